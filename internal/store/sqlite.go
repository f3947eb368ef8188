// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides tenant/certificate persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id              TEXT PRIMARY KEY,
			secret_hash     TEXT NOT NULL,
			allow_embedding INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,

			CHECK (status IN ('active', 'suspended'))
		);

		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

		CREATE TABLE IF NOT EXISTS certificates (
			domain        TEXT PRIMARY KEY,
			not_after     DATETIME NOT NULL,
			renewal_state TEXT NOT NULL,
			last_error    TEXT NOT NULL DEFAULT '',
			updated_at    DATETIME NOT NULL,

			CHECK (renewal_state IN ('valid', 'renewing', 'failed'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateTenant inserts a new tenant. Returns ErrDuplicateTenant if the id is taken.
func (s *SQLiteStore) CreateTenant(ctx context.Context, tenant *Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now
	if tenant.Status == "" {
		tenant.Status = TenantStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, secret_hash, allow_embedding, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenant.ID, tenant.SecretHash, boolToInt(tenant.AllowEmbedding), tenant.Status,
		tenant.CreatedAt, tenant.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTenant
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// GetTenant fetches a tenant by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, allow_embedding, status, created_at, updated_at
		FROM tenants WHERE id = ?`, id)

	var t Tenant
	var allowEmbedding int
	err := row.Scan(&t.ID, &t.SecretHash, &allowEmbedding, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	t.AllowEmbedding = allowEmbedding != 0
	return &t, nil
}

// ListTenants returns all tenants ordered by id.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, secret_hash, allow_embedding, status, created_at, updated_at
		FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var allowEmbedding int
		if err := rows.Scan(&t.ID, &t.SecretHash, &allowEmbedding, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		t.AllowEmbedding = allowEmbedding != 0
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// SetTenantSecret replaces a tenant's secret hash.
func (s *SQLiteStore) SetTenantSecret(ctx context.Context, id, secretHash string) error {
	return s.updateTenantField(ctx, id, "secret_hash = ?", secretHash)
}

// SetTenantStatus updates a tenant's status.
func (s *SQLiteStore) SetTenantStatus(ctx context.Context, id, status string) error {
	if status != TenantStatusActive && status != TenantStatusSuspended {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	return s.updateTenantField(ctx, id, "status = ?", status)
}

// SetEmbeddingPolicy updates a tenant's embedding opt-in flag.
func (s *SQLiteStore) SetEmbeddingPolicy(ctx context.Context, id string, allow bool) error {
	return s.updateTenantField(ctx, id, "allow_embedding = ?", boolToInt(allow))
}

// updateTenantField applies a single-column tenant update with updated_at bump.
func (s *SQLiteStore) updateTenantField(ctx context.Context, id, setClause string, value any) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET "+setClause+", updated_at = ? WHERE id = ?",
		value, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCertificate inserts or replaces the record for a domain.
func (s *SQLiteStore) UpsertCertificate(ctx context.Context, rec *CertificateRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (domain, not_after, renewal_state, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			not_after = excluded.not_after,
			renewal_state = excluded.renewal_state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		rec.Domain, rec.NotAfter, rec.RenewalState, rec.LastError, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting certificate: %w", err)
	}
	return nil
}

// GetCertificate fetches the record for a domain. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetCertificate(ctx context.Context, domain string) (*CertificateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, not_after, renewal_state, last_error, updated_at
		FROM certificates WHERE domain = ?`, domain)

	var rec CertificateRecord
	err := row.Scan(&rec.Domain, &rec.NotAfter, &rec.RenewalState, &rec.LastError, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning certificate: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
