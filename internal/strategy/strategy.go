package strategy

import (
	"github.com/angeloszaimis/fetch-balancer/internal/backend"
)

// Strategy returns the next candidates for a request, skipping attempted
// trackers. An empty result means every backend has been tried.
type Strategy interface {
	Candidates(trackers []*backend.Tracker, attempted Attempted) []*backend.Tracker
}

// Attempted is the set of trackers a request has already been sent to.
type Attempted map[*backend.Tracker]struct{}

// Add marks t as attempted.
func (a Attempted) Add(t *backend.Tracker) {
	a[t] = struct{}{}
}

// Has reports whether t was attempted.
func (a Attempted) Has(t *backend.Tracker) bool {
	_, ok := a[t]
	return ok
}

// Len returns the number of attempted trackers.
func (a Attempted) Len() int {
	return len(a)
}
