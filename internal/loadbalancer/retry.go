package loadbalancer

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
	"github.com/angeloszaimis/fetch-balancer/internal/metrics"
	"github.com/angeloszaimis/fetch-balancer/internal/scoring"
	"github.com/angeloszaimis/fetch-balancer/internal/strategy"
)

// Fetch sends req to the best available backend. Server errors on retryable
// methods are retried on the remaining backends, one at a time. Backend
// failures never surface as an error: they become 502 responses.
func (lb *LoadBalancer) Fetch(req *http.Request) (*http.Response, error) {
	lb.collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived})

	_, retryable := lb.retryMethods[req.Method]
	if retryable && !replayable(req) {
		lb.logger.Debug("Request body cannot be replayed, not retrying",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
		)
		retryable = false
	}
	sample := lb.sampler(req)
	attempted := make(strategy.Attempted, len(lb.trackers))

	var last *http.Response
	for {
		t := lb.pick(attempted)
		if t == nil {
			break
		}
		attempted.Add(t)

		out, err := rewind(req, attempted.Len())
		if err != nil {
			lb.logger.Warn("Cannot replay request body",
				slog.String("method", req.Method),
				slog.String("error", err.Error()),
			)
			break
		}

		resp := lb.dispatch(out, t, sample)
		if !scoring.IsServerError(resp.StatusCode) || !retryable {
			closeBody(last)
			return resp, nil
		}

		closeBody(last)
		last = resp

		if err := req.Context().Err(); err != nil {
			lb.logger.Debug("Request cancelled, not retrying",
				slog.String("backend", t.Name()),
				slog.String("error", err.Error()),
			)
			break
		}
		if attempted.Len() < len(lb.trackers) {
			lb.collector.Emit(metrics.MetricEvent{Type: metrics.EventRetry, Backend: t.Name()})
			lb.logger.Warn("Retrying request on another backend",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("backend", t.Name()),
				slog.Int("status", resp.StatusCode),
			)
		}
	}

	return lb.exhausted(req, last), nil
}

// pick runs one selection round. Two finalists are split by a coin flip.
func (lb *LoadBalancer) pick(attempted strategy.Attempted) *backend.Tracker {
	candidates := lb.strategy.Candidates(lb.trackers, attempted)

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	default:
		return candidates[lb.rand.IntN(2)]
	}
}

// dispatch sends req to t and records the outcome. Transport failures come
// back as a synthetic 502 and never count towards latency.
func (lb *LoadBalancer) dispatch(req *http.Request, t *backend.Tracker, sample bool) *http.Response {
	seq := t.Begin(lb.clock())
	lb.collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendSelected, Backend: t.Name()})
	lb.logger.Debug("Dispatching request",
		slog.String("backend", t.Name()),
		slog.Int64("seq", seq),
	)

	start := lb.clock()
	resp, err := t.Fetch(req)
	elapsed := lb.clock().Sub(start)

	if err != nil || resp == nil {
		closeBody(resp)
		lb.collector.Emit(metrics.MetricEvent{Type: metrics.EventTransportError, Backend: t.Name()})
		lb.logger.Warn("Backend unreachable",
			slog.String("backend", t.Name()),
			slog.Any("error", err),
		)
		resp = unreachableResponse(req)
		sample = false
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}

	t.Record(seq, resp.StatusCode)
	if sample {
		t.RecordLatency(seq, elapsed)
	}
	if scoring.IsServerError(resp.StatusCode) {
		t.MarkError(lb.clock())
	}

	lb.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Backend:    t.Name(),
		Duration:   elapsed,
		StatusCode: resp.StatusCode,
	})

	return resp
}

func (lb *LoadBalancer) exhausted(req *http.Request, last *http.Response) *http.Response {
	lb.collector.Emit(metrics.MetricEvent{Type: metrics.EventExhausted})
	lb.logger.Warn("No backend available",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("policy", lb.exhaustion.String()),
	)

	if lb.exhaustion == ExhaustionLastResponse && last != nil {
		return last
	}

	closeBody(last)
	return exhaustedResponse(req)
}

// replayable reports whether req can be sent more than once: it has no body
// or it can produce a fresh copy of it.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind returns the request for attempt n. Later attempts get a fresh body
// from GetBody.
func rewind(req *http.Request, n int) (*http.Request, error) {
	if n == 1 || req.GetBody == nil || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = body
	return out, nil
}
