// Package strategy picks the backends a request should be tried on.
//
// The PowerOfTwo strategy makes one pass over the backends that have not been
// attempted yet and keeps the best two:
//
//   - a backend whose health score is below the threshold always loses to one
//     at or above it, however fast it is
//   - otherwise the lower latency bucket wins
//   - on an exact tie the less used backend wins
//
// When the two finalists differ in health tier or latency bucket only the
// better one is returned. When they are equally good both are returned and
// the caller picks one at random, which spreads load across equals without
// every request herding onto the same leader.
package strategy
