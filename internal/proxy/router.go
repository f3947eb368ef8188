// ABOUTME: HTTP entry point: the login endpoint and per-tenant request routing
// ABOUTME: Validates session tokens, resolves backend instances, then forwards

package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/auth"
	"github.com/atelierhq/atelier-gateway/internal/lifecycle"
	"github.com/atelierhq/atelier-gateway/internal/registry"
	"github.com/atelierhq/atelier-gateway/internal/store"
)

// Config holds the router's forwarding behavior.
type Config struct {
	// WaitForReady blocks routed requests on in-flight provisioning. When
	// false, clients get 503 with Retry-After while the backend starts.
	WaitForReady  bool
	RetryAttempts int
	RetryBackoff  time.Duration
}

// AuthenticateRequest is the JSON request body for POST /authenticate.
type AuthenticateRequest struct {
	Tenant string `json:"tenant"`
	Secret string `json:"secret"`
}

// AuthenticateResponse is the JSON response for POST /authenticate. On
// failure Error carries a generic message only: the response never reveals
// whether the tenant exists.
type AuthenticateResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token,omitempty"`
	RedirectPath string `json:"redirectPath,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Router terminates client traffic: it authenticates logins, validates
// session tokens on routed requests, and forwards them to the tenant's
// backend instance with the tenant path prefix stripped.
type Router struct {
	tenants  store.Store
	auth     *auth.Authenticator
	issuer   *auth.Issuer
	backends *lifecycle.Manager
	reg      *registry.Registry
	cfg      Config
	logger   *slog.Logger

	conns     *connCounter
	transport http.RoundTripper
	rproxy    *httputil.ReverseProxy
	mux       *http.ServeMux
}

// NewRouter creates the router. It implements lifecycle.ConnTracker so the
// manager can drain tenants before terminating their backends.
func NewRouter(tenants store.Store, authenticator *auth.Authenticator, issuer *auth.Issuer,
	backends *lifecycle.Manager, reg *registry.Registry, cfg Config, logger *slog.Logger) *Router {
	rt := &Router{
		tenants:   tenants,
		auth:      authenticator,
		issuer:    issuer,
		backends:  backends,
		reg:       reg,
		cfg:       cfg,
		logger:    logger,
		conns:     newConnCounter(),
		transport: newRetryTransport(cfg.RetryAttempts, cfg.RetryBackoff),
	}
	rt.rproxy = rt.newReverseProxy()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /authenticate", rt.handleAuthenticate)
	mux.HandleFunc("/{tenant}", rt.handleTenantRoot)
	mux.HandleFunc("/{tenant}/{rest...}", rt.handleWorkspace)
	rt.mux = mux
	return rt
}

// Handler returns the router's HTTP handler.
func (rt *Router) Handler() http.Handler {
	return rt.mux
}

// InFlight reports the number of requests currently being forwarded for a
// tenant, WebSocket sessions included.
func (rt *Router) InFlight(tenantID string) int {
	return rt.conns.inFlight(tenantID)
}

// handleAuthenticate handles POST /authenticate. On success it returns a
// session token and the path the client should follow; every failure mode
// except rate limiting gets the same 401 body.
func (rt *Router) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AuthenticateResponse{Error: "invalid request body"})
		return
	}
	if req.Tenant == "" || req.Secret == "" {
		writeJSON(w, http.StatusBadRequest, AuthenticateResponse{Error: "tenant and secret are required"})
		return
	}

	switch rt.auth.Authenticate(r.Context(), req.Tenant, req.Secret) {
	case auth.OutcomeAuthenticated:
		token, err := rt.issuer.Issue(req.Tenant)
		if err != nil {
			rt.logger.Error("issuing token", "tenant", req.Tenant, "error", err)
			writeJSON(w, http.StatusInternalServerError, AuthenticateResponse{Error: "internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, AuthenticateResponse{
			Success:      true,
			Token:        token,
			RedirectPath: "/" + req.Tenant + "/?token=" + url.QueryEscape(token),
		})
	case auth.OutcomeRateLimited:
		writeJSON(w, http.StatusTooManyRequests, AuthenticateResponse{Error: "too many attempts"})
	default:
		writeJSON(w, http.StatusUnauthorized, AuthenticateResponse{Error: "invalid credentials"})
	}
}

// handleTenantRoot redirects /{tenant} to /{tenant}/ so relative URLs served
// by the backend resolve under the tenant prefix.
func (rt *Router) handleTenantRoot(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// handleWorkspace routes /{tenant}/... to the tenant's backend instance.
// The session token must verify and its tenant must match the path prefix
// before any routing state is consulted.
func (rt *Router) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	tokenTenant, err := rt.issuer.Verify(sessionToken(r))
	if err != nil || tokenTenant != tenantID {
		writeJSON(w, http.StatusForbidden, errorBody{"invalid or expired token"})
		return
	}

	tenant, err := rt.tenants.GetTenant(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{"not found"})
		return
	}
	if err != nil {
		rt.logger.Error("loading tenant", "tenant", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal server error"})
		return
	}
	if tenant.Status != store.TenantStatusActive {
		writeJSON(w, http.StatusForbidden, errorBody{"workspace disabled"})
		return
	}

	inst, ok := rt.resolveInstance(w, r, tenantID)
	if !ok {
		return
	}

	rt.conns.add(tenantID)
	defer rt.conns.done(tenantID)

	rt.forward(w, r, inst, "/"+r.PathValue("rest"), tenant.AllowEmbedding)
}

// resolveInstance returns the tenant's backend instance, provisioning one on
// demand according to the wait policy. When it returns ok = false the
// response has already been written.
func (rt *Router) resolveInstance(w http.ResponseWriter, r *http.Request, tenantID string) (*registry.Instance, bool) {
	if rt.cfg.WaitForReady {
		inst, err := rt.backends.Ensure(r.Context(), tenantID)
		switch {
		case err == nil:
			return inst, true
		case errors.Is(err, registry.ErrStopped), errors.Is(err, lifecycle.ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{"workspace unavailable"})
		case r.Context().Err() != nil:
			// Client went away while waiting; nothing useful to write.
		default:
			rt.logger.Error("workspace failed to start", "tenant", tenantID, "error", err)
			writeJSON(w, http.StatusBadGateway, errorBody{"workspace failed to start"})
		}
		return nil, false
	}

	state, err := rt.backends.EnsureStarted(tenantID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"workspace unavailable"})
		return nil, false
	}
	switch state {
	case registry.StateRunning, registry.StateDegraded:
		inst, ok := rt.reg.Lookup(tenantID)
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{"workspace unavailable"})
			return nil, false
		}
		return inst, true
	case registry.StateStopped:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"workspace unavailable"})
		return nil, false
	default:
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"workspace starting"})
		return nil, false
	}
}

// sessionToken extracts the session token from the Authorization header,
// falling back to the token query parameter. The header wins when both are
// present.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
