// Package httpclient constructs HTTP clients for calls to execution
// backends.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New returns an HTTP client with the given overall timeout and bounded
// connection pools. Backend calls are blocking I/O against external
// systems; the timeout here is the outer bound the dispatcher relies on to
// classify a hang as BACKEND_TIMEOUT.
func New(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
