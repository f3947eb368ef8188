// ABOUTME: Runner abstraction for starting per-tenant workspace processes
// ABOUTME: ExecRunner spawns the configured command with port/tenant substitution

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/atelierhq/atelier-gateway/internal/registry"
)

// Runner starts a backend workspace process for a tenant on a given port.
// It is the boundary to the opaque workspace application: the gateway only
// assumes the process binds the port and answers the health endpoint.
type Runner interface {
	Start(ctx context.Context, tenantID string, port int) (registry.Process, error)
}

// ExecRunner starts backends with os/exec. Occurrences of {port} and
// {tenant} in the argument list are substituted before spawning.
type ExecRunner struct {
	Command string
	Args    []string
	logger  *slog.Logger
}

// NewExecRunner creates a runner for the given command template.
func NewExecRunner(command string, args []string, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Command: command, Args: args, logger: logger}
}

// Start spawns the backend process. The returned Process owns the child;
// the context only covers the spawn itself, not the process lifetime.
func (r *ExecRunner) Start(ctx context.Context, tenantID string, port int) (registry.Process, error) {
	args := make([]string, len(r.Args))
	portStr := strconv.Itoa(port)
	for i, a := range r.Args {
		a = strings.ReplaceAll(a, "{port}", portStr)
		a = strings.ReplaceAll(a, "{tenant}", tenantID)
		args[i] = a
	}

	cmd := exec.Command(r.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting backend for %s: %w", tenantID, err)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan error, 1),
	}
	go func() {
		p.done <- cmd.Wait()
	}()

	r.logger.Info("backend process started",
		"tenant", tenantID,
		"port", port,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

// execProcess wraps a spawned backend command.
type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// Stop terminates the process: SIGTERM first, SIGKILL when the context
// expires before the process exits.
func (p *execProcess) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return ctx.Err()
	}
}
