package liveness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Prober checks whether a device at address is alive.
// Any failure must be reported as an error wrapping ErrProbeFailure.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// HTTPProber issues GET http://address{Path} and expects a 2xx response.
type HTTPProber struct {
	Client *http.Client
	Path   string
}

// NewHTTPProber creates a prober for the given ping path (default "/ping").
// Per-probe deadlines come from the context, so the client has no timeout.
func NewHTTPProber(path string) *HTTPProber {
	if path == "" {
		path = "/ping"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{Client: &http.Client{}, Path: path}
}

// Probe performs one GET. Timeout, refused connection and non-2xx status
// all map to ErrProbeFailure.
func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	url := "http://" + address + p.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request for %s: %w", ErrProbeFailure, address, err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProbeFailure, address, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d", ErrProbeFailure, address, resp.StatusCode)
	}
	return nil
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}
