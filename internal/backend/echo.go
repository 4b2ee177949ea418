package backend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

type echoBody struct {
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	RemoteAddr string              `json:"remoteAddr"`
	Headers    map[string][]string `json:"headers"`
}

// Echo answers every request with a JSON description of it.
var Echo Func = func(req *http.Request) (*http.Response, error) {
	body, err := json.MarshalIndent(echoBody{
		Method:     req.Method,
		URL:        req.URL.String(),
		RemoteAddr: req.RemoteAddr,
		Headers:    req.Header,
	}, "", "\t")
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {"application/json"},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
