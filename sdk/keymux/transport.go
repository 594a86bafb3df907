package keymux

import (
	"bytes"
	"context"
	"net/http"
	"time"
)

// Transport performs the actual upstream call. Implementations must honor
// context cancellation; the orchestrator relies on it for the warmup timeout.
type Transport interface {
	Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error)
}

// HTTPTransport is the default Transport backed by net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport whose client enforces the given
// per-request timeout. A zero timeout leaves the client unbounded and relies
// on the caller's context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

// Perform implements Transport.
func (t *HTTPTransport) Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}
