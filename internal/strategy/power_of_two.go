package strategy

import (
	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
)

type powerOfTwoStrategy struct {
	threshold float64
}

type candidate struct {
	tracker *backend.Tracker
	score   backend.Score
}

// NewPowerOfTwoStrategy creates the health-gated, latency-bucketed
// power-of-two-choices strategy. A non-positive threshold selects
// scoring.DefaultHealthThreshold.
func NewPowerOfTwoStrategy(threshold float64) Strategy {
	if threshold <= 0 {
		threshold = scoring.DefaultHealthThreshold
	}

	return &powerOfTwoStrategy{threshold: threshold}
}

func (s *powerOfTwoStrategy) Candidates(trackers []*backend.Tracker, attempted Attempted) []*backend.Tracker {
	var b1, b2 *candidate

	for _, t := range trackers {
		if attempted.Has(t) {
			continue
		}

		c := &candidate{tracker: t, score: t.Score()}
		switch {
		case b1 == nil:
			b1 = c
		case s.better(c, b1):
			b1, b2 = c, b1
		case b2 == nil || s.better(c, b2):
			b2 = c
		}
	}

	switch {
	case b1 == nil:
		return nil
	case b2 == nil || s.decisive(b1, b2):
		return []*backend.Tracker{b1.tracker}
	}

	return []*backend.Tracker{b1.tracker, b2.tracker}
}

// better reports whether x strictly beats y.
func (s *powerOfTwoStrategy) better(x, y *candidate) bool {
	xHealthy := scoring.Healthy(x.score.Health, s.threshold)
	yHealthy := scoring.Healthy(y.score.Health, s.threshold)
	if xHealthy != yHealthy {
		return xHealthy
	}

	if x.score.Latency != y.score.Latency {
		return x.score.Latency < y.score.Latency
	}

	return x.score.Requests < y.score.Requests
}

// decisive reports whether the finalists differ by more than usage, in
// which case randomizing between them would send traffic to a worse backend.
func (s *powerOfTwoStrategy) decisive(b1, b2 *candidate) bool {
	if scoring.Healthy(b1.score.Health, s.threshold) != scoring.Healthy(b2.score.Health, s.threshold) {
		return true
	}
	return b1.score.Latency != b2.score.Latency
}
