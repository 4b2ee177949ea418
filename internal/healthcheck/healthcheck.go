package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Target is the balancer as seen by the prober.
type Target interface {
	Backends() []*backend.Tracker
	Probe(ctx context.Context, t *backend.Tracker, path string) (*http.Response, error)
	HealthThreshold() float64
}

type prober struct {
	target  Target
	path    string
	timeout time.Duration
	logger  *slog.Logger

	mutex   sync.Mutex
	healthy map[*backend.Tracker]bool
}

// HealthCheck probes every backend of target each interval until ctx is
// done. A non-positive interval disables probing.
func HealthCheck(
	ctx context.Context,
	target Target,
	interval time.Duration,
	path string,
	logger *slog.Logger,
) {
	if interval <= 0 {
		logger.Info("Health check disabled")
		return
	}

	p := &prober{
		target:  target,
		path:    path,
		timeout: min(DefaultTimeout, interval),
		logger:  logger,
		healthy: make(map[*backend.Tracker]bool),
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Health check started",
		slog.Duration("interval", interval),
		slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped")
			return

		case <-ticker.C:
			p.round(ctx)
		}
	}
}

// round probes all backends concurrently and waits for every probe.
func (p *prober) round(ctx context.Context) {
	var g errgroup.Group
	for _, t := range p.target.Backends() {
		g.Go(func() error {
			p.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *prober) probe(ctx context.Context, t *backend.Tracker) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.target.Probe(ctx, t, p.path)
	if err != nil {
		p.logger.Error("Probe failed",
			slog.String("server", t.Name()),
			slog.String("error", err.Error()))
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()

	healthy := scoring.Healthy(t.Score().Health, p.target.HealthThreshold())
	if !p.changed(t, healthy) {
		return
	}

	if healthy {
		p.logger.Info("Server is back up",
			slog.String("server", t.Name()),
			slog.Int("status", res.StatusCode))
	} else {
		p.logger.Warn("Server is down",
			slog.String("server", t.Name()),
			slog.Int("status", res.StatusCode))
	}
}

// changed records the health tier of t and reports whether it differs from
// the last one seen. Backends start out healthy.
func (p *prober) changed(t *backend.Tracker, healthy bool) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	prev, seen := p.healthy[t]
	if !seen {
		prev = true
	}
	p.healthy[t] = healthy

	return prev != healthy
}
