// ABOUTME: TLS certificate lifecycle: serving, expiry tracking, scheduled renewal
// ABOUTME: Keeps serving the previous certificate whenever renewal fails

package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/store"
)

// Config holds the renewal schedule.
type Config struct {
	// RenewThreshold is how much remaining validity triggers a renewal.
	RenewThreshold time.Duration
	// RenewInterval is how often remaining validity is checked.
	RenewInterval time.Duration
}

// Renewer obtains fresh certificate material for a domain, writing it to the
// configured certificate and key paths. The manager reloads from disk after
// a successful renewal.
type Renewer interface {
	Renew(ctx context.Context, domain string) error
}

// Manager owns the TLS material for the gateway's domain. The active
// certificate is swapped atomically so in-flight handshakes never observe a
// partial update, and a failed renewal leaves the previous certificate in
// service until its hard expiry.
type Manager struct {
	domain   string
	certFile string
	keyFile  string
	cfg      Config
	renewer  Renewer
	records  store.Store
	logger   *slog.Logger

	active   atomic.Pointer[tls.Certificate]
	failures int
}

// NewManager loads the certificate pair from disk and returns a manager
// serving it.
func NewManager(domain, certFile, keyFile string, cfg Config, renewer Renewer, records store.Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		domain:   domain,
		certFile: certFile,
		keyFile:  keyFile,
		cfg:      cfg,
		renewer:  renewer,
		records:  records,
		logger:   logger,
	}
	if err := m.reload(); err != nil {
		return nil, fmt.Errorf("loading certificate for %s: %w", domain, err)
	}
	return m, nil
}

// GetCertificate is plugged into tls.Config so handshakes always pick up the
// most recently loaded certificate.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.active.Load(), nil
}

// NotAfter returns the active certificate's hard expiry.
func (m *Manager) NotAfter() time.Time {
	return m.active.Load().Leaf.NotAfter
}

// Run checks remaining validity on the configured interval until the context
// is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	m.checkAndRenew(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndRenew(ctx)
		}
	}
}

// checkAndRenew renews the certificate once its remaining validity falls
// below the threshold. Failures keep the old certificate in service and are
// surfaced through the certificate record and escalating logs; the next tick
// retries.
func (m *Manager) checkAndRenew(ctx context.Context) {
	remaining := time.Until(m.NotAfter())
	if remaining > m.cfg.RenewThreshold {
		if m.failures == 0 {
			m.recordState(ctx, store.CertStateValid, "")
		}
		return
	}

	m.logger.Info("certificate below renewal threshold",
		"domain", m.domain,
		"not_after", m.NotAfter(),
		"remaining", remaining,
	)
	m.recordState(ctx, store.CertStateRenewing, "")

	if err := m.renewer.Renew(ctx, m.domain); err != nil {
		m.renewalFailed(ctx, err)
		return
	}
	if err := m.reload(); err != nil {
		m.renewalFailed(ctx, fmt.Errorf("reloading renewed certificate: %w", err))
		return
	}

	m.failures = 0
	m.recordState(ctx, store.CertStateValid, "")
	m.logger.Info("certificate renewed", "domain", m.domain, "not_after", m.NotAfter())
}

// renewalFailed keeps the previous certificate in service and escalates as
// consecutive failures accumulate. Renewal trouble never takes the gateway
// offline; expiry does that on its own schedule.
func (m *Manager) renewalFailed(ctx context.Context, err error) {
	m.failures++
	m.recordState(ctx, store.CertStateFailed, err.Error())

	attrs := []any{
		"domain", m.domain,
		"consecutive_failures", m.failures,
		"not_after", m.NotAfter(),
		"error", err,
	}
	if m.failures >= 3 {
		m.logger.Error("certificate renewal failing repeatedly, operator attention required", attrs...)
	} else {
		m.logger.Warn("certificate renewal failed, serving previous certificate", attrs...)
	}
}

// reload loads the pair from disk, parses the leaf for expiry tracking, and
// swaps it in.
func (m *Manager) reload() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parsing leaf certificate: %w", err)
	}
	cert.Leaf = leaf

	m.active.Store(&cert)
	return nil
}

func (m *Manager) recordState(ctx context.Context, state, lastError string) {
	if m.records == nil {
		return
	}
	err := m.records.UpsertCertificate(ctx, &store.CertificateRecord{
		Domain:       m.domain,
		NotAfter:     m.NotAfter(),
		RenewalState: state,
		LastError:    lastError,
	})
	if err != nil {
		m.logger.Error("persisting certificate record", "domain", m.domain, "error", err)
	}
}
