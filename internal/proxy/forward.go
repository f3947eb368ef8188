// ABOUTME: Reverse-proxy forwarding with prefix stripping and upgrade passthrough
// ABOUTME: Retries refused backend connections briefly, rewrites framing headers

package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/registry"
)

// forwardState carries the per-request routing decision through the request
// context to the shared reverse proxy's hooks.
type forwardState struct {
	tenantID       string
	target         *url.URL
	innerPath      string
	allowEmbedding bool
}

type forwardStateKey struct{}

// forward proxies the request to the tenant's backend with the tenant path
// prefix already stripped. Protocol upgrades pass through: httputil's
// ReverseProxy hijacks the connection and relays both directions until
// either side closes.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, inst *registry.Instance, innerPath string, allowEmbedding bool) {
	fs := &forwardState{
		tenantID:       inst.TenantID,
		target:         &url.URL{Scheme: "http", Host: inst.Addr()},
		innerPath:      innerPath,
		allowEmbedding: allowEmbedding,
	}
	rt.rproxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), forwardStateKey{}, fs)))
}

// newReverseProxy builds the single reverse proxy all routed requests go
// through. The hooks read their per-request state from the request context;
// the outbound request inherits the inbound one's context, so the state is
// visible in ModifyResponse and ErrorHandler too.
func (rt *Router) newReverseProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			fs := pr.In.Context().Value(forwardStateKey{}).(*forwardState)
			pr.SetURL(fs.target)
			pr.Out.URL.Path = fs.innerPath
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		Transport: rt.transport,
		ModifyResponse: func(resp *http.Response) error {
			fs := resp.Request.Context().Value(forwardStateKey{}).(*forwardState)
			applyFramingPolicy(resp.Header, fs.allowEmbedding)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			fs := r.Context().Value(forwardStateKey{}).(*forwardState)
			rt.logger.Warn("backend request failed",
				"tenant", fs.tenantID,
				"backend", fs.target.Host,
				"path", fs.innerPath,
				"error", err,
			)
			writeJSON(w, http.StatusBadGateway, errorBody{"bad gateway"})
		},
	}
}

// applyFramingPolicy rewrites the embedding-control response headers
// according to the tenant's policy. The default is deny; tenants opt in
// explicitly to being framed by third-party pages.
func applyFramingPolicy(h http.Header, allow bool) {
	if allow {
		h.Del("X-Frame-Options")
		h.Set("Content-Security-Policy", "frame-ancestors *")
	} else {
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "frame-ancestors 'none'")
	}
}

// retryTransport retries connection-refused dials a bounded number of times
// with a short fixed backoff. Requests with bodies are never replayed. A
// transient refusal does not degrade the instance; only the health check
// makes that call.
type retryTransport struct {
	base     http.RoundTripper
	attempts int
	backoff  time.Duration
}

func newRetryTransport(attempts int, backoff time.Duration) http.RoundTripper {
	if attempts < 1 {
		attempts = 1
	}
	return &retryTransport{
		base: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		attempts: attempts,
		backoff:  backoff,
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := t.base.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt >= t.attempts || !retryable(req, err) {
			break
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.backoff):
		}
	}
	return nil, lastErr
}

// retryable reports whether the failed request can be safely re-sent: only
// body-less requests that never reached the backend.
func retryable(req *http.Request, err error) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
