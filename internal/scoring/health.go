package scoring

import "time"

// DefaultHealthThreshold is the health score below which a backend loses to
// any backend at or above it, regardless of latency.
const DefaultHealthThreshold = 0.85

// DecayStep assigns Weight to errors that happened less than Within ago.
type DecayStep struct {
	Within time.Duration
	Weight float64
}

// Decay maps the time since a backend's last server error to the weight its
// error rate carries. Steps are checked in order and must be ascending by
// Within; anything older than the last step weighs 0.
type Decay []DecayStep

// DefaultDecay is the 1s/3s/5s/10s schedule.
var DefaultDecay = Decay{
	{Within: 1 * time.Second, Weight: 1.0},
	{Within: 3 * time.Second, Weight: 0.8},
	{Within: 5 * time.Second, Weight: 0.3},
	{Within: 10 * time.Second, Weight: 0.1},
}

// Weight returns the decay weight for an error that happened sinceError ago.
func (d Decay) Weight(sinceError time.Duration) float64 {
	for _, step := range d {
		if sinceError < step.Within {
			return step.Weight
		}
	}
	return 0
}

// IsServerError reports whether status is in [500, 600).
func IsServerError(status int) bool {
	return status >= 500 && status < 600
}

// Health scores a status window. lastError is the zero time when the backend
// never returned a server error.
//
// The boolean is false when the window holds no statuses; such a backend has
// no data and is scored 0, but callers should not persist that score.
func Health(statuses []int, lastError, now time.Time, decay Decay) (float64, bool) {
	weight := 0.0
	if !lastError.IsZero() {
		weight = decay.Weight(now.Sub(lastError))
	}

	requests, errors := 0, 0
	for _, status := range statuses {
		if status == 0 {
			continue
		}
		requests++
		if IsServerError(status) {
			errors++
		}
	}

	if requests == 0 {
		return 0, false
	}

	return 1 - weight*float64(errors)/float64(requests), true
}

// Healthy reports whether score clears threshold.
func Healthy(score, threshold float64) bool {
	return score >= threshold
}
