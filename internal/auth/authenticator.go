// ABOUTME: Credential verification against the tenant store with rate limiting
// ABOUTME: Constant-time bcrypt compares, dummy hash to prevent tenant enumeration

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atelierhq/atelier-gateway/internal/store"
)

// Outcome is the result of a credential check. The granularity exists for
// logs and tests; HTTP responses collapse everything but success into one
// generic failure so callers cannot distinguish unknown tenants from wrong
// secrets.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeInvalidCredential
	OutcomeUnknownTenant
	OutcomeRateLimited
	OutcomeSuspended
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomeUnknownTenant:
		return "unknown_tenant"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// dummyHash is compared against when the tenant does not exist, so lookups
// for unknown tenants take as long as real bcrypt comparisons.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// TenantGetter is the slice of the store the authenticator needs.
type TenantGetter interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
}

// Authenticator verifies login attempts against the tenant store.
type Authenticator struct {
	tenants TenantGetter
	limiter *failureWindow
	logger  *slog.Logger
}

// NewAuthenticator creates an authenticator with a sliding-window failure
// limit of maxFailures per window.
func NewAuthenticator(tenants TenantGetter, window time.Duration, maxFailures int, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		tenants: tenants,
		limiter: newFailureWindow(window, maxFailures),
		logger:  logger,
	}
}

// Authenticate checks the (tenant id, secret) pair. Rate-limited tenants are
// rejected before the store is consulted.
func (a *Authenticator) Authenticate(ctx context.Context, tenantID, secret string) Outcome {
	if a.limiter.Limited(tenantID) {
		a.logger.Warn("login rate limited", "tenant", tenantID)
		return OutcomeRateLimited
	}

	tenant, err := a.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		// Burn a bcrypt comparison so unknown tenants are not
		// distinguishable from wrong secrets by timing.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
		a.limiter.RecordFailure(tenantID)

		if errors.Is(err, store.ErrNotFound) {
			a.logger.Info("login for unknown tenant", "tenant", tenantID)
			return OutcomeUnknownTenant
		}
		a.logger.Error("tenant lookup failed", "tenant", tenantID, "error", err)
		return OutcomeInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tenant.SecretHash), []byte(secret)); err != nil {
		a.limiter.RecordFailure(tenantID)
		a.logger.Info("login with invalid credential", "tenant", tenantID)
		return OutcomeInvalidCredential
	}

	if tenant.Status != store.TenantStatusActive {
		a.logger.Warn("login for suspended tenant", "tenant", tenantID)
		return OutcomeSuspended
	}

	a.limiter.Reset(tenantID)
	a.logger.Info("login successful", "tenant", tenantID)
	return OutcomeAuthenticated
}

// HashSecret produces a bcrypt hash for storing a tenant secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
