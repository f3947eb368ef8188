// ABOUTME: Gateway wiring and admin API tests over an httptest server
// ABOUTME: Exercises tenant onboarding, lifecycle operations and auth guards

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier-gateway/internal/config"
)

const adminToken = "test-admin-token"

func testGatewayConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.Domain = "workspaces.example.com"
	cfg.Database.Path = ":memory:"
	cfg.Auth.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.TokenTTL = time.Minute
	cfg.Auth.RateLimitWindow = time.Minute
	cfg.Auth.RateLimitMaxFailures = 5
	cfg.Auth.AdminToken = adminToken
	cfg.Backend.Command = "sleep"
	cfg.Backend.Args = []string{"30"}
	cfg.Backend.PortRangeStart = 39400
	cfg.Backend.PortRangeEnd = 39410
	cfg.Backend.HealthPath = "/healthz"
	cfg.Backend.ProvisionTimeout = 500 * time.Millisecond
	cfg.Backend.HealthInterval = time.Hour
	cfg.Backend.RestartBackoffBase = time.Millisecond
	cfg.Backend.RestartBackoffCap = time.Millisecond
	cfg.Backend.RestartMaxAttempts = 1
	cfg.Backend.DrainTimeout = 100 * time.Millisecond
	cfg.Proxy.WaitForReady = true
	cfg.Proxy.RetryAttempts = 1
	cfg.Proxy.RetryBackoff = time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)

	ts := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		// Run was never started; release backends and the store directly.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.lifecycle.Shutdown(ctx)
		_ = gw.store.Close()
	})
	return gw, ts
}

func adminDo(t *testing.T, method, url string, body any, token string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_RequiresToken(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	resp := adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Auth.AdminToken = ""
	_, ts := newTestGateway(t, cfg)

	resp := adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants", nil, adminToken)
	// No admin surface exists; the path falls through to tenant routing.
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_TenantOnboarding(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	create := CreateTenantRequest{Tenant: "user5", Secret: "a-long-enough-workspace-secret", AllowEmbedding: true}
	resp := adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants", create, adminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants", create, adminToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tenants := decode[[]TenantResponse](t, resp)
	require.Len(t, tenants, 1)
	assert.Equal(t, "user5", tenants[0].Tenant)
	assert.True(t, tenants[0].AllowEmbedding)

	// The onboarded credential works against the public login endpoint.
	body, _ := json.Marshal(map[string]string{"tenant": "user5", "secret": "a-long-enough-workspace-secret"})
	loginResp, err := http.Post(ts.URL+"/authenticate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer loginResp.Body.Close()
	require.Equal(t, http.StatusOK, loginResp.StatusCode)

	login := decode[map[string]any](t, loginResp)
	assert.Equal(t, true, login["success"])
	assert.NotEmpty(t, login["token"])
}

func TestAdmin_RejectsBadTenantIDs(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	for _, id := range []string{"", "has space", "has/slash"} {
		resp := adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants",
			CreateTenantRequest{Tenant: id, Secret: "s3cret-s3cret"}, adminToken)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "id %q", id)
	}
}

func TestAdmin_SuspendActivate(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	resp := adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants",
		CreateTenantRequest{Tenant: "user2", Secret: "a-long-enough-workspace-secret"}, adminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants/user2/suspend", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Suspended tenants cannot log in.
	body, _ := json.Marshal(map[string]string{"tenant": "user2", "secret": "a-long-enough-workspace-secret"})
	loginResp, err := http.Post(ts.URL+"/authenticate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer loginResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, loginResp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants/user2/activate", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants/missing/suspend", nil, adminToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_StatusAndDeprovision(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	resp := adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants/user7/status", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[InstanceStatusResponse](t, resp)
	assert.Equal(t, "unprovisioned", st.State)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants/user7/deprovision", nil, adminToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// Provisioning a backend that never serves its health endpoint must fail
// within the provisioning timeout and leave the instance Stopped.
func TestAdmin_ProvisionTimeoutSurfacesStopped(t *testing.T) {
	_, ts := newTestGateway(t, testGatewayConfig())

	resp := adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants",
		CreateTenantRequest{Tenant: "user9", Secret: "a-long-enough-workspace-secret"}, adminToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = adminDo(t, http.MethodPost, ts.URL+"/admin/api/tenants/user9/provision", nil, adminToken)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	st := decode[InstanceStatusResponse](t, resp)
	assert.Equal(t, "stopped", st.State)
	assert.NotEmpty(t, st.FailureCause)

	resp = adminDo(t, http.MethodGet, ts.URL+"/admin/api/tenants/user9/status", nil, adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[InstanceStatusResponse](t, resp)
	assert.Equal(t, "stopped", st.State)
}

func TestNew_InvalidTokenSecret(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Auth.TokenSecret = ""
	_, err := New(cfg, slog.Default())
	require.Error(t, err)
}
