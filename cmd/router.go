package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angeloszaimis/fetch-balancer/internal/handler"
	"github.com/angeloszaimis/fetch-balancer/internal/loadbalancer"
	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
)

func setupRouter(loadBalancerHandler *handler.LoadBalancerHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", loadBalancerHandler)

	return mux
}

// setupMetricsRouter serves the Prometheus view of the trackers on /metrics
// and the JSON event snapshot on /stats.
func setupMetricsRouter(metricsCollector *metrics.Collector, lb *loadbalancer.LoadBalancer) *http.ServeMux {
	mux := http.NewServeMux()

	registry := metrics.NewRegistry(lb)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/stats", metricsCollector.Handler(loadbalancer.Algorithm, lb))

	return mux
}
