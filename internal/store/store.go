// ABOUTME: Store interface and data types for atelier-gateway persistence
// ABOUTME: Defines Tenant, CertificateRecord structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTenant is returned when trying to create a tenant that already exists
var ErrDuplicateTenant = errors.New("tenant already exists")

// Tenant status values
const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
)

// Tenant represents an account entitled to one isolated workspace instance.
// The secret is stored only as a bcrypt hash.
type Tenant struct {
	ID             string
	SecretHash     string
	AllowEmbedding bool // opt-in: responses may be framed by third-party pages
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Certificate renewal states
const (
	CertStateValid    = "valid"
	CertStateRenewing = "renewing"
	CertStateFailed   = "failed"
)

// CertificateRecord tracks TLS material lifecycle for one domain.
// Mutated only by the certificate manager's renewal procedure.
type CertificateRecord struct {
	Domain       string
	NotAfter     time.Time
	RenewalState string
	LastError    string
	UpdatedAt    time.Time
}

// Store defines the interface for tenant and certificate persistence
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	SetTenantSecret(ctx context.Context, id, secretHash string) error
	SetTenantStatus(ctx context.Context, id, status string) error
	SetEmbeddingPolicy(ctx context.Context, id string, allow bool) error

	// Certificates
	UpsertCertificate(ctx context.Context, rec *CertificateRecord) error
	GetCertificate(ctx context.Context, domain string) (*CertificateRecord, error)

	// Close releases any resources held by the store
	Close() error
}
