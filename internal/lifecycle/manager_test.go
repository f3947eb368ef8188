// ABOUTME: Tests for the lifecycle manager using fake runners and probers
// ABOUTME: Covers provisioning, timeouts, restart backoff, budgets and deprovision

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier-gateway/internal/registry"
)

// fakeProcess records whether it was stopped.
type fakeProcess struct {
	stopped atomic.Bool
}

func (p *fakeProcess) Stop(context.Context) error {
	p.stopped.Store(true)
	return nil
}

// fakeRunner counts starts and returns fresh fakeProcesses.
type fakeRunner struct {
	mu       sync.Mutex
	starts   int
	failNext bool
	procs    []*fakeProcess
}

func (r *fakeRunner) Start(_ context.Context, _ string, _ int) (registry.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.failNext {
		return nil, errors.New("spawn failed")
	}
	p := &fakeProcess{}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// blockingRunner parks Start until released, keeping provisioning in flight.
type blockingRunner struct {
	fakeRunner
	release chan struct{}
}

func (r *blockingRunner) Start(ctx context.Context, tenantID string, port int) (registry.Process, error) {
	<-r.release
	return r.fakeRunner.Start(ctx, tenantID, port)
}

// fakeProber answers according to a settable healthy flag.
type fakeProber struct {
	healthy atomic.Bool
}

func (p *fakeProber) Probe(context.Context, string) error {
	if p.healthy.Load() {
		return nil
	}
	return errors.New("probe refused")
}

func testConfig() Config {
	return Config{
		ProvisionTimeout:   100 * time.Millisecond,
		HealthInterval:     10 * time.Millisecond,
		RestartBackoffBase: time.Second,
		RestartBackoffCap:  4 * time.Second,
		RestartMaxAttempts: 3,
		DrainTimeout:       100 * time.Millisecond,
	}
}

// newTestManager returns a manager whose restart sleeps are recorded
// instead of slept.
func newTestManager(t *testing.T, runner Runner, prober Prober) (*Manager, *[]time.Duration) {
	t.Helper()
	reg := registry.New(9100, 9109, slog.Default())
	m := NewManager(reg, runner, prober, testConfig(), slog.Default())

	var mu sync.Mutex
	backoffs := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*backoffs = append(*backoffs, d)
		mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, backoffs
}

func TestEnsure_ProvisionsOnDemand(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, _ := newTestManager(t, runner, prober)

	inst, err := m.Ensure(context.Background(), "user5")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, inst.State())
	assert.Equal(t, 9100, inst.Port)
	assert.Equal(t, 1, runner.startCount())

	// Second Ensure reuses the running instance.
	again, err := m.Ensure(context.Background(), "user5")
	require.NoError(t, err)
	assert.Same(t, inst, again)
	assert.Equal(t, 1, runner.startCount())
}

func TestEnsure_ConcurrentSingleProvision(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, _ := newTestManager(t, runner, prober)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Ensure(context.Background(), "user9")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runner.startCount(), "one port allocation, one backend start")

	st, ok := m.Status("user9")
	require.True(t, ok)
	assert.Equal(t, registry.StateRunning, st.State)
}

func TestEnsure_ProvisionTimeoutIsFatal(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{} // never healthy
	m, _ := newTestManager(t, runner, prober)

	_, err := m.Ensure(context.Background(), "user3")
	require.Error(t, err)

	st, ok := m.Status("user3")
	require.True(t, ok)
	assert.Equal(t, registry.StateStopped, st.State)

	// Routing does not revive a Stopped instance.
	_, err = m.Ensure(context.Background(), "user3")
	assert.ErrorIs(t, err, registry.ErrStopped)

	// The process that never became healthy was terminated.
	require.Len(t, runner.procs, 1)
	assert.True(t, runner.procs[0].stopped.Load())
}

func TestEnsure_SpawnFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{failNext: true}
	prober := &fakeProber{}
	m, _ := newTestManager(t, runner, prober)

	_, err := m.Ensure(context.Background(), "user4")
	require.Error(t, err)

	st, _ := m.Status("user4")
	assert.Equal(t, registry.StateStopped, st.State)
}

func TestProvision_RevivesStopped(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	m, _ := newTestManager(t, runner, prober)

	_, err := m.Ensure(context.Background(), "user6")
	require.Error(t, err)

	prober.healthy.Store(true)
	inst, err := m.Provision(context.Background(), "user6")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, inst.State())
}

func TestHealthLoop_RestartRecovers(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, _ := newTestManager(t, runner, prober)

	_, err := m.Ensure(context.Background(), "user2")
	require.NoError(t, err)

	// Fail one probe cycle, then recover: sleep is instant in tests, so
	// the restarted backend probes healthy again. Flip back quickly.
	prober.healthy.Store(false)
	require.Eventually(t, func() bool {
		st, _ := m.Status("user2")
		return st.State != registry.StateRunning
	}, time.Second, time.Millisecond)
	prober.healthy.Store(true)

	require.Eventually(t, func() bool {
		st, _ := m.Status("user2")
		return st.State == registry.StateRunning
	}, time.Second, time.Millisecond)

	st, _ := m.Status("user2")
	assert.Equal(t, 0, st.RestartCount, "recovery resets consecutive restart count")
	assert.GreaterOrEqual(t, runner.startCount(), 2)
}

func TestHealthLoop_RestartBudgetExhausted(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, backoffs := newTestManager(t, runner, prober)

	_, err := m.Ensure(context.Background(), "user7")
	require.NoError(t, err)

	// Permanently unhealthy: restarts must cease after the budget.
	prober.healthy.Store(false)

	require.Eventually(t, func() bool {
		st, _ := m.Status("user7")
		return st.State == registry.StateStopped
	}, time.Second, time.Millisecond)

	st, _ := m.Status("user7")
	assert.Equal(t, "restart budget exhausted after 3 attempts", st.FailureCause)
	assert.False(t, st.LastFailure.IsZero())

	// Backoff intervals are non-decreasing and capped: 1s, 2s, 4s.
	require.Len(t, *backoffs, 3)
	assert.Equal(t, time.Second, (*backoffs)[0])
	assert.Equal(t, 2*time.Second, (*backoffs)[1])
	assert.Equal(t, 4*time.Second, (*backoffs)[2])
	for i := 1; i < len(*backoffs); i++ {
		assert.GreaterOrEqual(t, (*backoffs)[i], (*backoffs)[i-1])
	}

	// No further restarts once Stopped.
	starts := runner.startCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, starts, runner.startCount())
}

func TestBackoffFor_Capped(t *testing.T) {
	m := NewManager(nil, nil, nil, Config{
		RestartBackoffBase: time.Second,
		RestartBackoffCap:  5 * time.Second,
	}, slog.Default())

	assert.Equal(t, time.Second, m.backoffFor(1))
	assert.Equal(t, 2*time.Second, m.backoffFor(2))
	assert.Equal(t, 4*time.Second, m.backoffFor(3))
	assert.Equal(t, 5*time.Second, m.backoffFor(4))
	assert.Equal(t, 5*time.Second, m.backoffFor(10))
}

// staticConns reports a fixed in-flight count.
type staticConns int

func (c staticConns) InFlight(string) int { return int(c) }

func TestDeprovision(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, _ := newTestManager(t, runner, prober)
	m.SetConnTracker(staticConns(0))

	_, err := m.Ensure(context.Background(), "user8")
	require.NoError(t, err)

	require.NoError(t, m.Deprovision(context.Background(), "user8"))

	_, ok := m.Status("user8")
	assert.False(t, ok, "registry entry removed")
	require.Len(t, runner.procs, 1)
	assert.True(t, runner.procs[0].stopped.Load())

	// Port was released: the next tenant reuses it.
	inst, err := m.Ensure(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, 9100, inst.Port)
}

func TestDeprovision_DuringProvisioning(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{})}
	prober := &fakeProber{}
	prober.healthy.Store(true)
	m, _ := newTestManager(t, runner, prober)

	inst, err := m.ensureStarted("user8")
	require.NoError(t, err)
	require.Equal(t, registry.StateProvisioning, inst.State())

	waitErr := make(chan error, 1)
	go func() { waitErr <- inst.WaitReady(context.Background()) }()

	// Deprovision lands while the backend is still spawning.
	require.NoError(t, m.Deprovision(context.Background(), "user8"))
	close(runner.release)

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, registry.ErrRemoved)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never observed an outcome")
	}

	// The late-arriving process must be stopped, not left orphaned on a
	// port that has already gone back to the pool.
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.procs) == 1 && runner.procs[0].stopped.Load()
	}, 2*time.Second, 10*time.Millisecond, "orphaned backend process was not stopped")

	_, ok := m.Status("user8")
	assert.False(t, ok, "registry entry stays removed")
}

func TestDeprovision_Unknown(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner, &fakeProber{})

	assert.ErrorIs(t, m.Deprovision(context.Background(), "ghost"), ErrNotProvisioned)
}

func TestShutdown_StopsEverything(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)

	reg := registry.New(9200, 9209, slog.Default())
	m := NewManager(reg, runner, prober, testConfig(), slog.Default())

	_, err := m.Ensure(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Ensure(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Empty(t, reg.Tenants())
	for _, p := range runner.procs {
		assert.True(t, p.stopped.Load())
	}

	_, err = m.Ensure(context.Background(), "c")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_ConcurrentEnsure(t *testing.T) {
	runner := &fakeRunner{}
	prober := &fakeProber{}
	prober.healthy.Store(true)

	reg := registry.New(9300, 9309, slog.Default())
	m := NewManager(reg, runner, prober, testConfig(), slog.Default())

	// Hammer Ensure from many goroutines while Shutdown runs. Every call
	// must either succeed or fail with ErrShuttingDown; no provisioning
	// may start after shutdown begins.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			<-start
			for {
				_, err := m.Ensure(context.Background(), tenant)
				if err != nil {
					// An acquire racing shutdown may see its entry
					// removed; both outcomes are terminal here.
					if !errors.Is(err, ErrShuttingDown) && !errors.Is(err, registry.ErrRemoved) {
						t.Errorf("unexpected ensure error for %s: %v", tenant, err)
					}
					return
				}
			}
		}(fmt.Sprintf("user%d", i))
	}
	close(start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)
	wg.Wait()

	assert.Empty(t, reg.Tenants())
	for _, p := range runner.procs {
		assert.True(t, p.stopped.Load(), "every started backend is stopped by shutdown")
	}
}
