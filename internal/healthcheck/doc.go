// Package healthcheck implements the optional active prober. Every interval
// it sends a GET for a fixed path to each backend through the balancer, so
// the probe outcome feeds the same statistics as live traffic. Idle backends
// keep fresh samples and a backend whose errors have aged out gets a chance
// to prove it has recovered.
package healthcheck
