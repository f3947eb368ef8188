// ABOUTME: Health probing of backend workspace instances
// ABOUTME: HTTPProber calls the backend's health endpoint and checks for 2xx

package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether a backend instance is responsive.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// HTTPProber probes via GET on the backend's health path.
type HTTPProber struct {
	Path   string
	client *http.Client
}

// NewHTTPProber creates a prober for the given health path.
func NewHTTPProber(path string) *HTTPProber {
	return &HTTPProber{
		Path:   path,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe returns nil when the backend answers its health endpoint with 2xx.
func (p *HTTPProber) Probe(ctx context.Context, addr string) error {
	url := "http://" + addr + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probing %s: unhealthy status %d", addr, resp.StatusCode)
	}
	return nil
}
