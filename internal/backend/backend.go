package backend

import (
	"net/http"
	"strconv"
)

// Backend is anything that turns a request into a response. Per-call options
// such as deadlines travel on the request context.
type Backend interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// Func adapts an ordinary function to the Backend interface.
type Func func(req *http.Request) (*http.Response, error)

// Fetch calls f(req).
func (f Func) Fetch(req *http.Request) (*http.Response, error) {
	return f(req)
}

type named struct {
	Backend
	name string
}

func (n *named) Name() string {
	return n.name
}

// Named attaches a display name to b. The name shows up in logs and metrics.
func Named(name string, b Backend) Backend {
	return &named{Backend: b, name: name}
}

// NameOf returns b's name if it has one, otherwise "backend-<index>".
func NameOf(b Backend, index int) string {
	if n, ok := b.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return "backend-" + strconv.Itoa(index)
}

// IsNil reports whether b cannot be called.
func IsNil(b Backend) bool {
	switch v := b.(type) {
	case nil:
		return true
	case Func:
		return v == nil
	case *named:
		return v == nil || IsNil(v.Backend)
	case *Proxy:
		return v == nil
	}
	return false
}
