// Package scoring computes the health and latency scores used to rank
// backends.
//
// Health combines the share of 5xx statuses in a backend's recent status
// window with a weight that decays with the time since its last server error:
// a burst of failures a second ago counts fully, the same burst ten seconds
// ago does not count at all.
//
// Latency is bucketed to its order of magnitude (1, 10, 100, ... ms) so that
// backends with near-equal averages compare as equal and share traffic
// instead of flapping between each other.
package scoring
