// ABOUTME: Tests for the SQLite store using in-memory databases
// ABOUTME: Covers tenant CRUD, status transitions and certificate records

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTenantCreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &Tenant{
		ID:         "user5",
		SecretHash: "$2a$10$abcdefghijklmnopqrstuv",
	}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	got, err := s.GetTenant(ctx, "user5")
	require.NoError(t, err)
	assert.Equal(t, "user5", got.ID)
	assert.Equal(t, tenant.SecretHash, got.SecretHash)
	assert.Equal(t, TenantStatusActive, got.Status)
	assert.False(t, got.AllowEmbedding)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTenantDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: "user1", SecretHash: "h"}))
	err := s.CreateTenant(ctx, &Tenant{ID: "user1", SecretHash: "h2"})
	assert.ErrorIs(t, err, ErrDuplicateTenant)
}

func TestTenantNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTenant(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.SetTenantStatus(ctx, "ghost", TenantStatusSuspended), ErrNotFound)
	assert.ErrorIs(t, s.SetEmbeddingPolicy(ctx, "ghost", true), ErrNotFound)
	assert.ErrorIs(t, s.SetTenantSecret(ctx, "ghost", "h"), ErrNotFound)
}

func TestTenantUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: "user2", SecretHash: "h"}))

	require.NoError(t, s.SetEmbeddingPolicy(ctx, "user2", true))
	require.NoError(t, s.SetTenantStatus(ctx, "user2", TenantStatusSuspended))
	require.NoError(t, s.SetTenantSecret(ctx, "user2", "h2"))

	got, err := s.GetTenant(ctx, "user2")
	require.NoError(t, err)
	assert.True(t, got.AllowEmbedding)
	assert.Equal(t, TenantStatusSuspended, got.Status)
	assert.Equal(t, "h2", got.SecretHash)
}

func TestTenantInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: "user3", SecretHash: "h"}))
	assert.Error(t, s.SetTenantStatus(ctx, "user3", "halted"))
}

func TestListTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"user9", "user1", "user5"} {
		require.NoError(t, s.CreateTenant(ctx, &Tenant{ID: id, SecretHash: "h"}))
	}

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 3)
	assert.Equal(t, "user1", tenants[0].ID) // ordered by id
	assert.Equal(t, "user9", tenants[2].ID)
}

func TestCertificateUpsertGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	notAfter := time.Now().Add(60 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertCertificate(ctx, &CertificateRecord{
		Domain:       "workspaces.example.com",
		NotAfter:     notAfter,
		RenewalState: CertStateValid,
	}))

	rec, err := s.GetCertificate(ctx, "workspaces.example.com")
	require.NoError(t, err)
	assert.Equal(t, CertStateValid, rec.RenewalState)
	assert.True(t, rec.NotAfter.Equal(notAfter))

	// Upsert replaces state and error
	require.NoError(t, s.UpsertCertificate(ctx, &CertificateRecord{
		Domain:       "workspaces.example.com",
		NotAfter:     notAfter,
		RenewalState: CertStateFailed,
		LastError:    "acme: rate limited",
	}))

	rec, err = s.GetCertificate(ctx, "workspaces.example.com")
	require.NoError(t, err)
	assert.Equal(t, CertStateFailed, rec.RenewalState)
	assert.Equal(t, "acme: rate limited", rec.LastError)
}

func TestCertificateNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCertificate(context.Background(), "missing.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
