package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "balancer"

// StatsCollector is a prometheus.Collector that reads the live tracker view
// on every scrape.
type StatsCollector struct {
	source StatsSource

	healthScore  *prometheus.Desc
	latencyScore *prometheus.Desc
	requests     *prometheus.Desc
	errors       *prometheus.Desc
	samples      *prometheus.Desc
}

func NewStatsCollector(source StatsSource) *StatsCollector {
	labels := []string{"backend"}

	return &StatsCollector{
		source: source,
		healthScore: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "health_score"),
			"Health score of the backend in [0,1]; 1 is fully healthy.",
			labels, nil,
		),
		latencyScore: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "latency_score"),
			"Order-of-magnitude bucket of the backend's sampled latency in milliseconds.",
			labels, nil,
		),
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "requests_total"),
			"Dispatch attempts made to the backend.",
			labels, nil,
		),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "server_errors_total"),
			"5xx responses and transport failures observed from the backend.",
			labels, nil,
		),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "status_window_size"),
			"Statuses currently held in the backend's rolling window.",
			labels, nil,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healthScore
	ch <- c.latencyScore
	ch <- c.requests
	ch <- c.errors
	ch <- c.samples
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Stats() {
		ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, s.HealthScore, s.Name)
		ch <- prometheus.MustNewConstMetric(c.latencyScore, prometheus.GaugeValue, s.LatencyScore, s.Name)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.RequestCount), s.Name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.ErrorCount), s.Name)
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(len(s.Statuses)), s.Name)
	}
}

// NewRegistry returns a registry holding a StatsCollector for source along
// with the Go runtime and process collectors.
func NewRegistry(source StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewStatsCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
