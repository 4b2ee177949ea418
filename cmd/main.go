package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/fetch-balancer/config"
	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/handler"
	"github.com/angeloszaimis/fetch-balancer/internal/healthcheck"
	"github.com/angeloszaimis/fetch-balancer/internal/httpserver"
	"github.com/angeloszaimis/fetch-balancer/internal/loadbalancer"
	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
	"github.com/angeloszaimis/fetch-balancer/pkg/logger"
)

func main() {
	configDir := pflag.StringP("config", "c", "", "directory holding config.yaml and .env")
	pflag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}

	cfg, err := config.Load(paths...)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Load balancer stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// run serves traffic until ctx is done or a component fails.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	backends, err := initializeBackends(cfg, log)
	if err != nil {
		return errors.Wrap(err, "initialize backends")
	}

	collector := metrics.NewCollector(cfg.Metrics.EventBuffer, log)

	lb, err := newLoadBalancer(cfg, backends, log, collector)
	if err != nil {
		return errors.Wrap(err, "create load balancer")
	}

	loadBalancerHandler := handler.NewLoadBalancerHandler(log, lb)

	timeouts := httpserver.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	}

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(loadBalancerHandler), timeouts)
	if err != nil {
		return errors.Wrap(err, "create server")
	}

	servers := []*httpserver.Server{srv}
	if cfg.Metrics.Address != "" {
		metricsSrv, err := httpserver.New(cfg.Metrics.Address, setupMetricsRouter(collector, lb), timeouts)
		if err != nil {
			return errors.Wrap(err, "create metrics server")
		}
		servers = append(servers, metricsSrv)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		collector.Run(gctx)
		return nil
	})

	g.Go(func() error {
		healthcheck.HealthCheck(gctx, lb, cfg.Probe.Interval, cfg.Probe.Path, log)
		return nil
	})

	for _, s := range servers {
		g.Go(func() error {
			log.Info("Listening", slog.String("address", s.Addr()))
			return s.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")

		var errs error
		for _, s := range servers {
			if err := s.Shutdown(context.Background()); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "shutdown %s", s.Addr()))
			}
		}
		return errs
	})

	return g.Wait()
}

func initializeBackends(cfg *config.Config, log *slog.Logger) ([]backend.Backend, error) {
	backends := make([]backend.Backend, 0, len(cfg.Backends))

	for _, bc := range cfg.Backends {
		name := bc.Name
		if name == "" {
			name = bc.URL
		}

		p, err := backend.ParseProxy(bc.URL,
			backend.WithName(name),
			backend.WithTransport(http.DefaultTransport),
		)
		if err != nil {
			return nil, err
		}

		log.Info("Registered backend",
			slog.String("name", name),
			slog.String("url", bc.URL))
		backends = append(backends, p)
	}

	if len(backends) == 0 {
		return nil, loadbalancer.ErrNoBackends
	}

	return backends, nil
}

func newLoadBalancer(cfg *config.Config, backends []backend.Backend, log *slog.Logger, collector *metrics.Collector) (*loadbalancer.LoadBalancer, error) {
	exhaustion, err := loadbalancer.ParseExhaustion(cfg.Balancer.Exhaustion)
	if err != nil {
		return nil, err
	}

	return loadbalancer.New(backends,
		loadbalancer.WithHealthThreshold(cfg.Balancer.HealthThreshold),
		loadbalancer.WithRetryMethods(cfg.Balancer.RetryMethods...),
		loadbalancer.WithSampler(loadbalancer.SamplePaths(cfg.Balancer.LatencySamplePaths...)),
		loadbalancer.WithExhaustion(exhaustion),
		loadbalancer.WithDecay(cfg.DecaySteps()),
		loadbalancer.WithLogger(log),
		loadbalancer.WithCollector(collector),
	)
}
