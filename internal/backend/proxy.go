package backend

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// hopHeaders are connection-level headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards requests to a single origin.
type Proxy struct {
	target    *url.URL
	name      string
	transport http.RoundTripper
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithTransport sets the round tripper used to reach the origin.
func WithTransport(rt http.RoundTripper) ProxyOption {
	return func(p *Proxy) {
		p.transport = rt
	}
}

// WithName overrides the display name, which defaults to the target URL.
func WithName(name string) ProxyOption {
	return func(p *Proxy) {
		p.name = name
	}
}

// NewProxy creates a backend that forwards to target.
func NewProxy(target *url.URL, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		target:    target,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ParseProxy parses rawURL and creates a Proxy for it.
func ParseProxy(rawURL string, opts ...ProxyOption) (*Proxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse backend url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("backend url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Newf("backend url %q: missing host", rawURL)
	}

	return NewProxy(u, opts...), nil
}

// URL returns the origin URL.
func (p *Proxy) URL() *url.URL {
	return p.target
}

// Name returns the display name.
func (p *Proxy) Name() string {
	if p.name != "" {
		return p.name
	}
	return p.target.String()
}

// Fetch rewrites req onto the origin and round-trips it. The response carries
// an X-Backend-Server header naming this backend.
func (p *Proxy) Fetch(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	pr := &httputil.ProxyRequest{In: req, Out: out}
	pr.SetURL(p.target)
	pr.SetXForwarded()

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		return nil, errors.Wrapf(err, "forward to %s", p.target.Host)
	}

	removeHopHeaders(resp.Header)
	resp.Header.Set("X-Backend-Server", p.Name())

	return resp, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
