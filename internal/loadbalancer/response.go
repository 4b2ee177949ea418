package loadbalancer

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HeaderError marks responses the balancer produced itself.
const HeaderError = "X-Balancer-Error"

const (
	reasonExhausted   = "exhausted"
	reasonUnreachable = "origin-unreachable"

	bodyExhausted   = "no backend available"
	bodyUnreachable = "couldn't connect to origin"
)

func errorResponse(req *http.Request, status int, body, reason string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(HeaderError, reason)

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func exhaustedResponse(req *http.Request) *http.Response {
	return errorResponse(req, http.StatusBadGateway, bodyExhausted, reasonExhausted)
}

func unreachableResponse(req *http.Request) *http.Response {
	return errorResponse(req, http.StatusBadGateway, bodyUnreachable, reasonUnreachable)
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}
}
