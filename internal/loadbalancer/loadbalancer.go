// Package loadbalancer picks a backend for each request with a health-gated
// power-of-two-choices strategy and retries idempotent requests that fail
// with a server error on the backends not yet tried.
package loadbalancer

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
	"github.com/angeloszaimis/fetch-balancer/internal/strategy"
)

// Algorithm names the selection strategy in logs and stats.
const Algorithm = "power-of-two"

var (
	ErrNoBackends  = errors.New("at least one backend is required")
	ErrNilBackend  = errors.New("backend is nil")
	ErrNotTracked  = errors.New("tracker does not belong to this balancer")
	ErrInvalidPath = errors.New("probe path must start with /")
)

// LoadBalancer spreads requests over a fixed set of backends and is itself a
// backend. It is safe for concurrent use.
type LoadBalancer struct {
	trackers []*backend.Tracker
	strategy strategy.Strategy

	clock        Clock
	rand         Rand
	sampler      Sampler
	retryMethods map[string]struct{}
	exhaustion   Exhaustion
	threshold    float64

	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates a balancer over backends. Order is preserved in Backends and
// Stats.
func New(backends []backend.Backend, opts ...Option) (*LoadBalancer, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	trackers := make([]*backend.Tracker, 0, len(backends))
	for i, b := range backends {
		if backend.IsNil(b) {
			return nil, errors.Wrapf(ErrNilBackend, "backend %d", i)
		}
		trackers = append(trackers, backend.NewTracker(b, backend.NameOf(b, i), o.decay))
	}

	s := strategy.NewPowerOfTwoStrategy(o.threshold)

	return &LoadBalancer{
		trackers:     trackers,
		strategy:     s,
		clock:        o.clock,
		rand:         o.rand,
		sampler:      o.sampler,
		retryMethods: o.retryMethods,
		exhaustion:   o.exhaustion,
		threshold:    o.threshold,
		logger:       o.logger,
		collector:    o.collector,
	}, nil
}

// Backends returns the trackers in construction order. The slice is a copy;
// the trackers are live.
func (lb *LoadBalancer) Backends() []*backend.Tracker {
	out := make([]*backend.Tracker, len(lb.trackers))
	copy(out, lb.trackers)
	return out
}

// Stats returns a snapshot of every tracker in construction order.
func (lb *LoadBalancer) Stats() []backend.Stats {
	out := make([]backend.Stats, 0, len(lb.trackers))
	for _, t := range lb.trackers {
		out = append(out, t.Stats())
	}
	return out
}

// HealthThreshold returns the score below which a backend is unhealthy. A
// non-positive configured value reports the default.
func (lb *LoadBalancer) HealthThreshold() float64 {
	if lb.threshold <= 0 {
		return defaultOptions().threshold
	}
	return lb.threshold
}

// Probe sends one GET for path to t outside the selection loop. The outcome
// is recorded like any dispatch, and a failure is never retried elsewhere.
func (lb *LoadBalancer) Probe(ctx context.Context, t *backend.Tracker, path string) (*http.Response, error) {
	if !lb.owns(t) {
		return nil, ErrNotTracked
	}
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		return nil, errors.Wrapf(ErrInvalidPath, "got %q", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build probe request")
	}

	return lb.dispatch(req, t, lb.sampler(req)), nil
}

func (lb *LoadBalancer) owns(t *backend.Tracker) bool {
	for _, own := range lb.trackers {
		if own == t {
			return true
		}
	}
	return false
}
