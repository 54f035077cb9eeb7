// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
//
// Body is single-read. Once BufferBody has run, the buffered bytes are the
// only copy of the payload and must be reused for forwarding.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string // path below /proxy/{provider}, without a leading slash
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser

	buffered []byte
	consumed bool
}

// HasBody reports whether the method carries a request body.
func (r *ProxyRequest) HasBody() bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// BufferBody reads the request body into memory exactly once. Later calls
// return the same bytes without touching Body again.
func (r *ProxyRequest) BufferBody() ([]byte, error) {
	if r.consumed {
		return r.buffered, nil
	}
	r.consumed = true
	if !r.HasBody() || r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.buffered = data
	return data, nil
}

// Buffered returns the bytes captured by BufferBody, or nil.
func (r *ProxyRequest) Buffered() []byte {
	return r.buffered
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// AuthContext identifies the caller a proxied request is attributed to.
type AuthContext struct {
	CallerID string
	// RequestModel is the optional "model" field of the buffered request body.
	RequestModel string
}

// Target is the fully resolved upstream call for one inbound request.
// It is built once and never mutated afterwards.
type Target struct {
	URL    *url.URL
	Header http.Header
	Body   []byte
}
