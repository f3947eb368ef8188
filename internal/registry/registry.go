// ABOUTME: Authoritative registry of per-tenant backend instances and their lifecycle state
// ABOUTME: Single writer for instance state; entries double as provisioning dedup gates

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a backend instance. A tenant with no
// registry entry is unprovisioned.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateStopped      State = "stopped"
)

// ErrStopped indicates the tenant's instance is fatally stopped and needs an
// explicit administrative re-provision.
var ErrStopped = errors.New("instance stopped")

// ErrRemoved indicates the instance entry was removed while its provisioning
// sequence was still in flight.
var ErrRemoved = errors.New("instance removed during provisioning")

// Process is the opaque handle to a running backend workspace process.
type Process interface {
	// Stop terminates the process, respecting the context deadline.
	Stop(ctx context.Context) error
}

// Instance is one tenant's backend instance. All mutable fields are guarded
// by the owning registry's lock; the registry is their single writer.
type Instance struct {
	TenantID string
	Port     int

	r            *Registry
	state        State
	proc         Process
	restartCount int
	lastFailure  time.Time
	failureCause string

	// ready is closed when the provisioning that created this entry
	// resolves; provisionErr then holds its single outcome.
	ready        chan struct{}
	provisionErr error
}

// Addr returns the loopback address the backend listens on.
// Backends are only addressable through the gateway.
func (i *Instance) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", i.Port)
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return i.state
}

// Process returns the process handle, or nil while provisioning.
func (i *Instance) Process() Process {
	i.r.mu.Lock()
	defer i.r.mu.Unlock()
	return i.proc
}

// WaitReady blocks until the in-flight provisioning for this entry resolves,
// then returns its outcome. All concurrent callers observe the same result.
func (i *Instance) WaitReady(ctx context.Context) error {
	select {
	case <-i.ready:
		i.r.mu.Lock()
		defer i.r.mu.Unlock()
		return i.provisionErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time copy of an instance's operator-visible state.
type Status struct {
	TenantID     string
	Port         int
	State        State
	RestartCount int
	LastFailure  time.Time
	FailureCause string
}

// Registry holds the authoritative state of every tenant's backend instance.
// At most one instance exists per tenant id; ports are unique across live
// instances and drawn from the reserved range under the registry lock.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	ports     *portAllocator
	logger    *slog.Logger
}

// New creates a registry allocating backend ports from [portStart, portEnd].
func New(portStart, portEnd int, logger *slog.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		ports:     newPortAllocator(portStart, portEnd),
		logger:    logger,
	}
}

// Acquire is the per-tenant provisioning gate. If the tenant has no entry,
// it allocates a port, records a Provisioning entry, and returns started =
// true: the caller owns the provisioning sequence and must finish it with
// Resolve. Otherwise the existing entry is returned with started = false and
// callers wait on it; exactly one provisioning executes no matter how many
// requests race here.
func (r *Registry) Acquire(tenantID string) (*Instance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[tenantID]; ok {
		return inst, false, nil
	}

	port, err := r.ports.allocate()
	if err != nil {
		return nil, false, fmt.Errorf("allocating port for %s: %w", tenantID, err)
	}

	inst := &Instance{
		TenantID: tenantID,
		Port:     port,
		r:        r,
		state:    StateProvisioning,
		ready:    make(chan struct{}),
	}
	r.instances[tenantID] = inst

	r.logger.Info("provisioning instance", "tenant", tenantID, "port", port)
	return inst, true, nil
}

// Resolve records the single outcome of a provisioning sequence and wakes
// all waiters on the acquired instance. Success transitions the entry to
// Running; failure to Stopped, releasing the port. If the entry was removed
// or replaced while provisioning was in flight (a deprovision racing it),
// the stale instance still resolves as Stopped with ErrRemoved so every
// waiter observes an outcome, and Resolve returns false so the caller can
// dispose of the process it started. The port is not released on that path:
// Remove already returned it, and another tenant may hold it by now.
func (r *Registry) Resolve(inst *Instance, proc Process, provisionErr error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantID := inst.TenantID
	if cur, ok := r.instances[tenantID]; !ok || cur != inst {
		inst.state = StateStopped
		if provisionErr != nil {
			inst.provisionErr = provisionErr
		} else {
			inst.provisionErr = ErrRemoved
		}
		inst.lastFailure = time.Now()
		inst.failureCause = inst.provisionErr.Error()
		close(inst.ready)
		r.logger.Warn("instance removed while provisioning", "tenant", tenantID, "port", inst.Port)
		return false
	}

	if provisionErr != nil {
		inst.state = StateStopped
		inst.provisionErr = provisionErr
		inst.lastFailure = time.Now()
		inst.failureCause = provisionErr.Error()
		r.ports.release(inst.Port)
		r.logger.Error("provisioning failed", "tenant", tenantID, "port", inst.Port, "error", provisionErr)
	} else {
		inst.state = StateRunning
		inst.proc = proc
		r.logger.Info("instance running", "tenant", tenantID, "port", inst.Port)
	}
	close(inst.ready)
	return true
}

// Lookup returns the tenant's instance, if any. This is the routing view:
// derived, read-mostly, never independently mutated.
func (r *Registry) Lookup(tenantID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[tenantID]
	return inst, ok
}

// MarkDegraded records a failed health check.
func (r *Registry) MarkDegraded(tenantID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok || inst.state != StateRunning {
		return
	}
	inst.state = StateDegraded
	inst.lastFailure = time.Now()
	if cause != nil {
		inst.failureCause = cause.Error()
	}
	r.logger.Warn("instance degraded", "tenant", tenantID, "port", inst.Port, "error", cause)
}

// MarkRunning records a successful restart: the instance is healthy again
// and its consecutive restart count resets.
func (r *Registry) MarkRunning(tenantID string, proc Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok {
		return
	}
	inst.state = StateRunning
	inst.proc = proc
	inst.restartCount = 0
	r.logger.Info("instance recovered", "tenant", tenantID, "port", inst.Port)
}

// MarkStopped records a fatal, operator-visible stop and releases the port.
// The entry remains so status queries surface the failure; only an explicit
// re-provision leaves this state.
func (r *Registry) MarkStopped(tenantID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok || inst.state == StateStopped {
		return
	}
	inst.state = StateStopped
	inst.proc = nil
	inst.lastFailure = time.Now()
	if cause != nil {
		inst.failureCause = cause.Error()
	}
	r.ports.release(inst.Port)
	r.logger.Error("instance stopped",
		"tenant", tenantID,
		"port", inst.Port,
		"restart_count", inst.restartCount,
		"error", cause,
	)
}

// AddRestart increments and returns the consecutive restart attempt count.
func (r *Registry) AddRestart(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok {
		return 0
	}
	inst.restartCount++
	inst.lastFailure = time.Now()
	return inst.restartCount
}

// Remove deletes the tenant's entry, releasing its port if still held.
// Used by deprovisioning and by explicit re-provision.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok {
		return
	}
	if inst.state != StateStopped {
		r.ports.release(inst.Port)
	}
	delete(r.instances, tenantID)
	r.logger.Info("instance removed", "tenant", tenantID, "port", inst.Port)
}

// Status returns a snapshot of one tenant's instance.
func (r *Registry) Status(tenantID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[tenantID]
	if !ok {
		return Status{}, false
	}
	return snapshotLocked(inst), true
}

// SnapshotAll returns snapshots for every registered instance.
func (r *Registry) SnapshotAll() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, snapshotLocked(inst))
	}
	return out
}

// Tenants returns the tenant ids with registered instances.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

func snapshotLocked(inst *Instance) Status {
	return Status{
		TenantID:     inst.TenantID,
		Port:         inst.Port,
		State:        inst.state,
		RestartCount: inst.restartCount,
		LastFailure:  inst.lastFailure,
		FailureCause: inst.failureCause,
	}
}
