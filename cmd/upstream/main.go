// Upstream is a flaky HTTP origin for exercising the balancer by hand.
// Every request is answered with a JSON description of itself, after an
// optional delay, unless it is picked to fail with a 500.
//
// Usage:
//
//	go run ./cmd/upstream --port 8081 --name upstream-1 --error-rate 0.2 --delay 50ms
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/angeloszaimis/fetch-balancer/internal/httpserver"
	"github.com/angeloszaimis/fetch-balancer/pkg/logger"
)

type options struct {
	name      string
	errorRate float64
	delay     time.Duration
}

type reply struct {
	ID       string              `json:"id"`
	Upstream string              `json:"upstream"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Headers  map[string][]string `json:"headers"`
}

func main() {
	port := pflag.IntP("port", "p", 8081, "port to listen on")
	name := pflag.String("name", "", "name reported in responses (default upstream-<port>)")
	errorRate := pflag.Float64("error-rate", 0, "fraction of requests answered with 500")
	delay := pflag.Duration("delay", 0, "delay added before every response")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	log := logger.New(*level, false, "dev")

	opts := options{name: *name, errorRate: *errorRate, delay: *delay}
	if opts.name == "" {
		opts.name = fmt.Sprintf("upstream-%d", *port)
	}

	srv, err := httpserver.New(fmt.Sprintf(":%d", *port), newMux(opts, rand.Float64, log), httpserver.Timeouts{})
	if err != nil {
		log.Error("invalid address", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("starting upstream",
		slog.String("name", opts.name),
		slog.Int("port", *port),
		slog.Float64("error_rate", opts.errorRate),
		slog.Duration("delay", opts.delay))

	if err := srv.Start(); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// newMux builds the upstream handler. roll returns values in [0,1); a request
// fails when the roll is below the error rate.
func newMux(opts options, roll func() float64, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)

		if opts.delay > 0 {
			select {
			case <-time.After(opts.delay):
			case <-r.Context().Done():
				return
			}
		}

		if roll() < opts.errorRate {
			log.Warn("failing request",
				slog.String("id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}

		log.Info("request",
			slog.String("id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply{
			ID:       id,
			Upstream: opts.name,
			Method:   r.Method,
			Path:     r.URL.Path,
			Headers:  r.Header,
		})
	})

	return mux
}
