// ABOUTME: Lifecycle manager driving provisioning, health checks, restarts, deprovisioning
// ABOUTME: Consults and mutates the instance registry; one supervisor loop per instance

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/registry"
)

// ErrShuttingDown indicates the manager no longer accepts provisioning work.
var ErrShuttingDown = errors.New("lifecycle manager shutting down")

// ErrNotProvisioned indicates the tenant has no backend instance.
var ErrNotProvisioned = errors.New("tenant has no instance")

// startupPollInterval is how often a freshly started backend is probed while
// waiting for its first healthy response.
const startupPollInterval = 200 * time.Millisecond

// drainPollInterval is how often in-flight connection counts are re-checked
// while draining a tenant.
const drainPollInterval = 100 * time.Millisecond

// Config holds the supervision timings.
type Config struct {
	ProvisionTimeout   time.Duration
	HealthInterval     time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration
	RestartMaxAttempts int
	DrainTimeout       time.Duration
}

// ConnTracker reports in-flight proxied connections per tenant, used to
// drain before terminating a backend.
type ConnTracker interface {
	InFlight(tenantID string) int
}

// Manager supervises backend instances: it provisions them on demand
// (deduplicated through the registry gate), health-checks them periodically,
// restarts them with bounded exponential backoff, and deprovisions them with
// a drain.
type Manager struct {
	reg    *registry.Registry
	runner Runner
	prober Prober
	cfg    Config
	logger *slog.Logger

	conns ConnTracker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a lifecycle manager.
func NewManager(reg *registry.Registry, runner Runner, prober Prober, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		reg:     reg,
		runner:  runner,
		prober:  prober,
		cfg:     cfg,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
		sleep:   sleepCtx,
	}
}

// SetConnTracker wires the proxy's in-flight counts in for draining.
func (m *Manager) SetConnTracker(t ConnTracker) {
	m.conns = t
}

// Ensure returns the tenant's instance, provisioning one if the tenant is
// unprovisioned. Concurrent callers for the same tenant share a single
// provisioning sequence and observe its single outcome. A Stopped instance
// is not revived here: that needs an explicit Provision.
func (m *Manager) Ensure(ctx context.Context, tenantID string) (*registry.Instance, error) {
	inst, err := m.ensureStarted(tenantID)
	if err != nil {
		return nil, err
	}

	switch inst.State() {
	case registry.StateRunning, registry.StateDegraded:
		return inst, nil
	case registry.StateStopped:
		return nil, registry.ErrStopped
	}

	if err := inst.WaitReady(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// EnsureStarted kicks off provisioning if needed without waiting for the
// outcome. Used when the router's wait_for_ready policy is disabled.
func (m *Manager) EnsureStarted(tenantID string) (registry.State, error) {
	inst, err := m.ensureStarted(tenantID)
	if err != nil {
		return "", err
	}
	return inst.State(), nil
}

// ensureStarted acquires the registry gate and, if this caller won it,
// launches the provisioning sequence in the background so that the outcome
// is shared by all waiters regardless of any one caller's deadline. The
// closed check, the gate acquisition, and the goroutine launch sit under one
// critical section so no provisioning can start once Shutdown has begun.
func (m *Manager) ensureStarted(tenantID string) (*registry.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}

	inst, started, err := m.reg.Acquire(tenantID)
	if err != nil {
		return nil, err
	}
	if started {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.provision(tenantID, inst)
		}()
	}
	return inst, nil
}

// Provision explicitly (re)provisions a tenant, reviving Stopped instances.
// This is the administrative path; routing never revives a Stopped tenant.
func (m *Manager) Provision(ctx context.Context, tenantID string) (*registry.Instance, error) {
	if st, ok := m.reg.Status(tenantID); ok && st.State == registry.StateStopped {
		m.reg.Remove(tenantID)
	}
	return m.Ensure(ctx, tenantID)
}

// provision runs the single provisioning sequence for a tenant: start the
// process, await the first healthy probe within the provisioning timeout,
// then hand the instance to the periodic health loop.
func (m *Manager) provision(tenantID string, inst *registry.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProvisionTimeout)
	defer cancel()

	proc, err := m.runner.Start(ctx, tenantID, inst.Port)
	if err != nil {
		m.reg.Resolve(inst, nil, fmt.Errorf("provisioning %s: %w", tenantID, err))
		return
	}

	if err := m.awaitHealthy(ctx, inst.Addr()); err != nil {
		m.stopProcess(proc)
		m.reg.Resolve(inst, nil, fmt.Errorf("provisioning %s: no healthy response within %s: %w",
			tenantID, m.cfg.ProvisionTimeout, err))
		return
	}

	// A deprovision may have removed the entry while the backend was
	// starting; the process it leaves behind must not keep running.
	if !m.reg.Resolve(inst, proc, nil) {
		m.stopProcess(proc)
		return
	}
	m.startHealthLoop(tenantID)
}

// awaitHealthy polls the backend until it answers healthy or ctx expires.
func (m *Manager) awaitHealthy(ctx context.Context, addr string) error {
	var lastErr error
	for {
		if err := m.prober.Probe(ctx, addr); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		case <-time.After(startupPollInterval):
		}
	}
}

// startHealthLoop launches the periodic, cancellable health check for a
// tenant's instance. The loop is cancelled on deprovision and on shutdown.
func (m *Manager) startHealthLoop(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if cancel, ok := m.cancels[tenantID]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[tenantID] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthLoop(ctx, tenantID)
	}()
}

// healthLoop probes the instance every HealthInterval. A failed probe marks
// the instance Degraded and enters the restart sequence; a fatal stop ends
// the loop.
func (m *Manager) healthLoop(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inst, ok := m.reg.Lookup(tenantID)
		if !ok || inst.State() != registry.StateRunning {
			if !ok || inst.State() == registry.StateStopped {
				return
			}
			continue
		}

		if err := m.prober.Probe(ctx, inst.Addr()); err != nil {
			m.reg.MarkDegraded(tenantID, err)
			if !m.recover(ctx, tenantID, inst) {
				return
			}
		}
	}
}

// recover restarts a degraded instance with exponential backoff. Returns
// false when the restart budget is exhausted and the instance was stopped.
func (m *Manager) recover(ctx context.Context, tenantID string, inst *registry.Instance) bool {
	for {
		attempt := m.reg.AddRestart(tenantID)
		if attempt > m.cfg.RestartMaxAttempts {
			m.stopProcess(inst.Process())
			m.reg.MarkStopped(tenantID, fmt.Errorf(
				"restart budget exhausted after %d attempts", m.cfg.RestartMaxAttempts))
			return false
		}

		backoff := m.backoffFor(attempt)
		m.logger.Warn("restarting backend",
			"tenant", tenantID,
			"attempt", attempt,
			"backoff", backoff,
		)
		if err := m.sleep(ctx, backoff); err != nil {
			return false
		}

		m.stopProcess(inst.Process())

		startCtx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
		proc, err := m.runner.Start(startCtx, tenantID, inst.Port)
		if err == nil {
			err = m.awaitHealthy(startCtx, inst.Addr())
			if err != nil {
				m.stopProcess(proc)
			}
		}
		cancel()

		if err == nil {
			m.reg.MarkRunning(tenantID, proc)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Warn("restart attempt failed", "tenant", tenantID, "attempt", attempt, "error", err)
	}
}

// backoffFor returns base * 2^(attempt-1), capped. Intervals are
// non-decreasing across consecutive attempts.
func (m *Manager) backoffFor(attempt int) time.Duration {
	d := m.cfg.RestartBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.RestartBackoffCap {
			return m.cfg.RestartBackoffCap
		}
	}
	if d > m.cfg.RestartBackoffCap {
		return m.cfg.RestartBackoffCap
	}
	return d
}

// Deprovision drains in-flight connections, stops the backend, cancels its
// health loop, and removes the registry entry (releasing the port).
func (m *Manager) Deprovision(ctx context.Context, tenantID string) error {
	inst, ok := m.reg.Lookup(tenantID)
	if !ok {
		return ErrNotProvisioned
	}

	m.cancelHealthLoop(tenantID)
	m.drain(ctx, tenantID)

	if proc := inst.Process(); proc != nil {
		stopCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
		defer cancel()
		if err := proc.Stop(stopCtx); err != nil {
			m.logger.Warn("backend did not stop cleanly", "tenant", tenantID, "error", err)
		}
	}

	m.reg.Remove(tenantID)
	m.logger.Info("tenant deprovisioned", "tenant", tenantID)
	return nil
}

// Status reports the lifecycle state of a tenant's instance.
func (m *Manager) Status(tenantID string) (registry.Status, bool) {
	return m.reg.Status(tenantID)
}

// drain waits until the tenant has no in-flight connections or the drain
// timeout elapses.
func (m *Manager) drain(ctx context.Context, tenantID string) {
	if m.conns == nil {
		return
	}

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if m.conns.InFlight(tenantID) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
	}
	m.logger.Warn("drain timeout elapsed with connections in flight",
		"tenant", tenantID,
		"in_flight", m.conns.InFlight(tenantID),
	)
}

// cancelHealthLoop stops the periodic health check for a tenant.
func (m *Manager) cancelHealthLoop(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[tenantID]; ok {
		cancel()
		delete(m.cancels, tenantID)
	}
}

// stopProcess stops a process handle with a short deadline, tolerating nil.
func (m *Manager) stopProcess(proc registry.Process) {
	if proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proc.Stop(ctx)
}

// Shutdown stops all health loops, drains and terminates every backend, and
// waits for supervision goroutines to finish.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	for tenantID, cancel := range m.cancels {
		cancel()
		delete(m.cancels, tenantID)
	}
	m.mu.Unlock()

	for _, tenantID := range m.reg.Tenants() {
		inst, ok := m.reg.Lookup(tenantID)
		if !ok {
			continue
		}
		m.drain(ctx, tenantID)
		if proc := inst.Process(); proc != nil {
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
			_ = proc.Stop(stopCtx)
			cancel()
		}
		m.reg.Remove(tenantID)
	}

	m.wg.Wait()
	m.logger.Info("lifecycle manager stopped")
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
