package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
)

// DefaultMaxReplayBody is the largest request body kept in memory so the
// balancer can resend it to another backend.
const DefaultMaxReplayBody int64 = 1 << 20

type LoadBalancerHandler struct {
	logger        *slog.Logger
	balancer      backend.Backend
	maxReplayBody int64
}

// Option configures a LoadBalancerHandler.
type Option func(*LoadBalancerHandler)

// WithMaxReplayBody caps the buffered request body. Larger bodies are
// streamed once and never retried. Zero disables buffering.
func WithMaxReplayBody(n int64) Option {
	return func(h *LoadBalancerHandler) {
		h.maxReplayBody = n
	}
}

func (lb *LoadBalancerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)

	lb.logger.Info("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host),
		slog.String("user_agent", r.UserAgent()))

	out := r.Clone(r.Context())
	out.RequestURI = ""

	if err := lb.bufferBody(out); err != nil {
		lb.logger.Warn("Cannot read request body",
			slog.String("client", clientIP),
			slog.String("error", err.Error()))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp, err := lb.balancer.Fetch(out)
	if err != nil {
		lb.logger.Error("Balancer failed",
			slog.String("client", clientIP),
			slog.String("error", err.Error()))
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		lb.logger.Warn("Response copy interrupted",
			slog.String("client", clientIP),
			slog.String("error", err.Error()))
	}

	lb.logger.Info("Request completed",
		slog.String("client", clientIP),
		slog.String("backend", resp.Header.Get("X-Backend-Server")),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)))
}

// bufferBody reads small request bodies into memory and sets GetBody so the
// request can be replayed. Bodies over the limit are stitched back together
// unread and left without GetBody.
func (lb *LoadBalancerHandler) bufferBody(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody || r.GetBody != nil || lb.maxReplayBody <= 0 {
		return nil
	}

	body := r.Body
	buf, err := io.ReadAll(io.LimitReader(body, lb.maxReplayBody+1))
	if err != nil {
		return err
	}

	if int64(len(buf)) > lb.maxReplayBody {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), body), body}
		return nil
	}

	body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	r.ContentLength = int64(len(buf))
	return nil
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func NewLoadBalancerHandler(logger *slog.Logger, balancer backend.Backend, opts ...Option) *LoadBalancerHandler {
	h := &LoadBalancerHandler{
		logger:        logger,
		balancer:      balancer,
		maxReplayBody: DefaultMaxReplayBody,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}
