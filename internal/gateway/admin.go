// ABOUTME: Administrative control API: tenant onboarding and lifecycle operations
// ABOUTME: Bearer-token protected; disabled entirely when no admin token is set

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/auth"
	"github.com/atelierhq/atelier-gateway/internal/lifecycle"
	"github.com/atelierhq/atelier-gateway/internal/registry"
	"github.com/atelierhq/atelier-gateway/internal/store"
)

// CreateTenantRequest is the JSON request body for POST /admin/api/tenants.
type CreateTenantRequest struct {
	Tenant         string `json:"tenant"`
	Secret         string `json:"secret"`
	AllowEmbedding bool   `json:"allow_embedding"`
}

// TenantResponse is the JSON shape for tenant listings. Secret hashes never
// leave the store.
type TenantResponse struct {
	Tenant         string `json:"tenant"`
	Status         string `json:"status"`
	AllowEmbedding bool   `json:"allow_embedding"`
	CreatedAt      string `json:"created_at"`
}

// EmbeddingRequest is the JSON request body for the embedding policy update.
type EmbeddingRequest struct {
	Allow bool `json:"allow"`
}

// InstanceStatusResponse is the JSON response for instance status queries.
// State is "unprovisioned" when the tenant has no registry entry.
type InstanceStatusResponse struct {
	Tenant       string `json:"tenant"`
	State        string `json:"state"`
	Port         int    `json:"port,omitempty"`
	RestartCount int    `json:"restart_count,omitempty"`
	LastFailure  string `json:"last_failure,omitempty"`
	FailureCause string `json:"failure_cause,omitempty"`
}

// registerAdminRoutes mounts the control API when an admin token is
// configured. Without one the surface does not exist at all.
func (g *Gateway) registerAdminRoutes(mux *http.ServeMux) {
	if g.config.Auth.AdminToken == "" {
		g.logger.Warn("admin API disabled - no admin_token configured")
		return
	}

	guard := g.requireAdmin
	mux.Handle("POST /admin/api/tenants", guard(g.handleCreateTenant))
	mux.Handle("GET /admin/api/tenants", guard(g.handleListTenants))
	mux.Handle("POST /admin/api/tenants/{id}/suspend", guard(g.handleSetStatus(store.TenantStatusSuspended)))
	mux.Handle("POST /admin/api/tenants/{id}/activate", guard(g.handleSetStatus(store.TenantStatusActive)))
	mux.Handle("POST /admin/api/tenants/{id}/embedding", guard(g.handleSetEmbedding))
	mux.Handle("POST /admin/api/tenants/{id}/provision", guard(g.handleProvision))
	mux.Handle("POST /admin/api/tenants/{id}/deprovision", guard(g.handleDeprovision))
	mux.Handle("GET /admin/api/tenants/{id}/status", guard(g.handleInstanceStatus))
	g.logger.Info("admin API enabled at /admin/api/")
}

// requireAdmin rejects requests whose bearer token does not match the
// configured admin token, using a constant-time compare.
func (g *Gateway) requireAdmin(next http.HandlerFunc) http.Handler {
	want := []byte(g.config.Auth.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			writeAdminJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (g *Gateway) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Tenant == "" || req.Secret == "" {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant and secret are required"})
		return
	}
	if strings.ContainsAny(req.Tenant, "/ ") {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id must not contain slashes or spaces"})
		return
	}

	hash, err := auth.HashSecret(req.Secret)
	if err != nil {
		g.logger.Error("hashing tenant secret", "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	err = g.store.CreateTenant(r.Context(), &store.Tenant{
		ID:             req.Tenant,
		SecretHash:     hash,
		AllowEmbedding: req.AllowEmbedding,
		Status:         store.TenantStatusActive,
	})
	if errors.Is(err, store.ErrDuplicateTenant) {
		writeAdminJSON(w, http.StatusConflict, map[string]string{"error": "tenant already exists"})
		return
	}
	if err != nil {
		g.logger.Error("creating tenant", "tenant", req.Tenant, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	g.logger.Info("tenant created", "tenant", req.Tenant, "allow_embedding", req.AllowEmbedding)
	writeAdminJSON(w, http.StatusCreated, TenantResponse{
		Tenant:         req.Tenant,
		Status:         store.TenantStatusActive,
		AllowEmbedding: req.AllowEmbedding,
	})
}

func (g *Gateway) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := g.store.ListTenants(r.Context())
	if err != nil {
		g.logger.Error("listing tenants", "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	out := make([]TenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, TenantResponse{
			Tenant:         t.ID,
			Status:         t.Status,
			AllowEmbedding: t.AllowEmbedding,
			CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		})
	}
	writeAdminJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSetStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := g.store.SetTenantStatus(r.Context(), id, status)
		if errors.Is(err, store.ErrNotFound) {
			writeAdminJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
			return
		}
		if err != nil {
			g.logger.Error("updating tenant status", "tenant", id, "error", err)
			writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		g.logger.Info("tenant status updated", "tenant", id, "status", status)
		writeAdminJSON(w, http.StatusOK, map[string]string{"tenant": id, "status": status})
	}
}

func (g *Gateway) handleSetEmbedding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := g.store.SetEmbeddingPolicy(r.Context(), id, req.Allow)
	if errors.Is(err, store.ErrNotFound) {
		writeAdminJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
		return
	}
	if err != nil {
		g.logger.Error("updating embedding policy", "tenant", id, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	g.logger.Info("embedding policy updated", "tenant", id, "allow", req.Allow)
	writeAdminJSON(w, http.StatusOK, map[string]any{"tenant": id, "allow_embedding": req.Allow})
}

// handleProvision starts (or revives) the tenant's backend and waits for the
// outcome. This is the only path that brings a Stopped instance back.
func (g *Gateway) handleProvision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := g.store.GetTenant(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
			return
		}
		g.logger.Error("loading tenant", "tenant", id, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if _, err := g.lifecycle.Provision(r.Context(), id); err != nil {
		g.logger.Error("provisioning failed", "tenant", id, "error", err)
		writeAdminJSON(w, http.StatusBadGateway, g.instanceStatus(id))
		return
	}
	writeAdminJSON(w, http.StatusOK, g.instanceStatus(id))
}

func (g *Gateway) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := g.lifecycle.Deprovision(r.Context(), id)
	if errors.Is(err, lifecycle.ErrNotProvisioned) {
		writeAdminJSON(w, http.StatusNotFound, map[string]string{"error": "no instance for tenant"})
		return
	}
	if err != nil {
		g.logger.Error("deprovisioning failed", "tenant", id, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeAdminJSON(w, http.StatusOK, InstanceStatusResponse{Tenant: id, State: "unprovisioned"})
}

func (g *Gateway) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	writeAdminJSON(w, http.StatusOK, g.instanceStatus(r.PathValue("id")))
}

func (g *Gateway) instanceStatus(id string) InstanceStatusResponse {
	st, ok := g.lifecycle.Status(id)
	if !ok {
		return InstanceStatusResponse{Tenant: id, State: "unprovisioned"}
	}
	out := InstanceStatusResponse{
		Tenant:       id,
		State:        string(st.State),
		Port:         st.Port,
		RestartCount: st.RestartCount,
		FailureCause: st.FailureCause,
	}
	if !st.LastFailure.IsZero() {
		out.LastFailure = st.LastFailure.Format(time.RFC3339)
	}
	if st.State == registry.StateStopped {
		out.Port = 0 // released
	}
	return out
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
