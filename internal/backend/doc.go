// Package backend defines the uniform backend contract (a request goes in, a
// response comes out) and the per-backend statistics record the balancer
// keeps for each upstream.
//
// It also ships two concrete backends: Proxy, which forwards requests to an
// origin URL, and Echo, which answers with a description of the request and
// is handy when debugging a balancer setup.
package backend
