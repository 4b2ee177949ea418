package loadbalancer

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
)

// Clock returns the current time.
type Clock func() time.Time

// Rand picks between the two finalists of a selection round.
type Rand interface {
	IntN(n int) int
}

// Sampler decides whether a request's round-trip time feeds the latency
// score.
type Sampler func(req *http.Request) bool

// SamplePaths samples requests whose URL path is one of paths. An empty path
// counts as "/".
func SamplePaths(paths ...string) Sampler {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}

	return func(req *http.Request) bool {
		path := req.URL.Path
		if path == "" {
			path = "/"
		}
		_, ok := set[path]
		return ok
	}
}

// Exhaustion selects what a request gets once every backend has failed it.
type Exhaustion int

const (
	// ExhaustionSynthesize answers with the balancer's own 502.
	ExhaustionSynthesize Exhaustion = iota
	// ExhaustionLastResponse returns the last upstream error response.
	ExhaustionLastResponse
)

func (e Exhaustion) String() string {
	switch e {
	case ExhaustionSynthesize:
		return "synthesize"
	case ExhaustionLastResponse:
		return "last-response"
	default:
		return "unknown"
	}
}

// ParseExhaustion converts a configuration value into an Exhaustion. The
// empty string selects ExhaustionSynthesize.
func ParseExhaustion(s string) (Exhaustion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "synthesize":
		return ExhaustionSynthesize, nil
	case "last-response":
		return ExhaustionLastResponse, nil
	default:
		return 0, errors.Newf("unknown exhaustion policy %q", s)
	}
}

type options struct {
	clock        Clock
	rand         Rand
	sampler      Sampler
	retryMethods map[string]struct{}
	exhaustion   Exhaustion
	threshold    float64
	decay        scoring.Decay
	logger       *slog.Logger
	collector    *metrics.Collector
}

// Option configures a LoadBalancer.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		clock:        time.Now,
		rand:         globalRand{},
		sampler:      SamplePaths("/"),
		retryMethods: methodSet(http.MethodGet, http.MethodHead),
		exhaustion:   ExhaustionSynthesize,
		threshold:    scoring.DefaultHealthThreshold,
		decay:        scoring.DefaultDecay,
		logger:       slog.New(slog.DiscardHandler),
	}
}

// WithClock sets the time source used for latency measurement and error
// decay.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRand sets the source for the finalist coin flip. r does not need to be
// safe for concurrent use.
func WithRand(r Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rand = &lockedRand{r: r}
		}
	}
}

// WithSampler sets the latency sampling policy.
func WithSampler(s Sampler) Option {
	return func(o *options) {
		if s != nil {
			o.sampler = s
		}
	}
}

// WithRetryMethods replaces the set of methods retried on a server error.
// Passing no methods disables retries.
func WithRetryMethods(methods ...string) Option {
	return func(o *options) {
		o.retryMethods = methodSet(methods...)
	}
}

// WithExhaustion sets the exhaustion policy.
func WithExhaustion(e Exhaustion) Option {
	return func(o *options) {
		o.exhaustion = e
	}
}

// WithHealthThreshold sets the score below which a backend is unhealthy.
func WithHealthThreshold(threshold float64) Option {
	return func(o *options) {
		o.threshold = threshold
	}
}

// WithDecay overrides the error decay steps.
func WithDecay(decay scoring.Decay) Option {
	return func(o *options) {
		o.decay = decay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCollector sends request events to collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(o *options) {
		o.collector = collector
	}
}

func methodSet(methods ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}

type globalRand struct{}

func (globalRand) IntN(n int) int {
	return rand.IntN(n)
}

type lockedRand struct {
	mutex sync.Mutex
	r     Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.r.IntN(n)
}
