package backend

import (
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
)

// Tracker pairs a backend with its rolling statistics. All methods are safe
// for concurrent use.
type Tracker struct {
	backend Backend
	name    string
	decay   scoring.Decay

	mutex              sync.Mutex
	requestCount       int64
	scoredRequestCount int64
	statuses           ring[int]
	latencies          ring[float64]
	lastErrorTime      time.Time
	healthScore        float64
	latencyScore       float64
	errorCount         int64
}

// Score is the part of a tracker's state the selection algorithm compares.
type Score struct {
	Health   float64
	Latency  float64
	Requests int64
}

// Stats is a point-in-time copy of a tracker's statistics.
type Stats struct {
	Name               string    `json:"name"`
	RequestCount       int64     `json:"request_count"`
	ScoredRequestCount int64     `json:"scored_request_count"`
	Statuses           []int     `json:"statuses"`
	Latencies          []float64 `json:"latencies_ms"`
	LastErrorTime      time.Time `json:"last_error_time"`
	HealthScore        float64   `json:"health_score"`
	LatencyScore       float64   `json:"latency_score"`
	ErrorCount         int64     `json:"error_count"`
}

// NewTracker wraps b. A new tracker is fully healthy with a latency score of 1
// until it has data saying otherwise.
func NewTracker(b Backend, name string, decay scoring.Decay) *Tracker {
	if decay == nil {
		decay = scoring.DefaultDecay
	}

	return &Tracker{
		backend:      b,
		name:         name,
		decay:        decay,
		healthScore:  1,
		latencyScore: 1,
	}
}

// Name returns the tracker's display name.
func (t *Tracker) Name() string {
	return t.name
}

// Backend returns the wrapped backend.
func (t *Tracker) Backend() Backend {
	return t.backend
}

// Fetch forwards req to the wrapped backend without recording anything.
func (t *Tracker) Fetch(req *http.Request) (*http.Response, error) {
	return t.backend.Fetch(req)
}

// Begin registers a dispatch and returns its sequence number, which selects
// the ring slot the outcome is recorded in. A stale health score is refreshed
// first, so the count it is stamped with is the one before this dispatch.
func (t *Tracker) Begin(now time.Time) int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.scoredRequestCount != t.requestCount {
		t.scoreHealthLocked(now)
	}
	t.requestCount++

	return t.requestCount
}

// Record stores the status of dispatch seq.
func (t *Tracker) Record(seq int64, status int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.statuses.put(seq, status)
}

// RecordLatency stores the round-trip time of dispatch seq and refreshes the
// latency score.
func (t *Tracker) RecordLatency(seq int64, d time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.latencies.put(seq, float64(d)/float64(time.Millisecond))
	t.scoreLatencyLocked()
}

// MarkError notes a server error at now and rescores health immediately.
func (t *Tracker) MarkError(now time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.lastErrorTime = now
	t.errorCount++
	t.scoreHealthLocked(now)
}

// ScoreHealth recomputes and returns the health score.
func (t *Tracker) ScoreHealth(now time.Time) float64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.scoreHealthLocked(now)
}

// ScoreLatency recomputes and returns the latency score.
func (t *Tracker) ScoreLatency() float64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.scoreLatencyLocked()
}

// Stale reports whether dispatches happened since health was last scored.
func (t *Tracker) Stale() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.scoredRequestCount != t.requestCount
}

// Score returns the values the selection algorithm ranks by.
func (t *Tracker) Score() Score {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return Score{
		Health:   t.healthScore,
		Latency:  t.latencyScore,
		Requests: t.requestCount,
	}
}

// Stats returns a copy of the tracker's statistics.
func (t *Tracker) Stats() Stats {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return Stats{
		Name:               t.name,
		RequestCount:       t.requestCount,
		ScoredRequestCount: t.scoredRequestCount,
		Statuses:           t.statuses.values(),
		Latencies:          t.latencies.values(),
		LastErrorTime:      t.lastErrorTime,
		HealthScore:        t.healthScore,
		LatencyScore:       t.latencyScore,
		ErrorCount:         t.errorCount,
	}
}

// scoreHealthLocked leaves the stored score alone when there are no
// statuses yet; an empty window scores 0 but says nothing about the backend.
func (t *Tracker) scoreHealthLocked(now time.Time) float64 {
	score, ok := scoring.Health(t.statuses.values(), t.lastErrorTime, now, t.decay)
	if !ok {
		return score
	}

	t.healthScore = score
	t.scoredRequestCount = t.requestCount
	return score
}

func (t *Tracker) scoreLatencyLocked() float64 {
	if score, ok := scoring.Latency(t.latencies.values()); ok {
		t.latencyScore = score
	}
	return t.latencyScore
}
