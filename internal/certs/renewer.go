// ABOUTME: Command-based certificate renewer shelling out to an external hook

package certs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// renewTimeout bounds a single invocation of the external renewal hook.
const renewTimeout = 5 * time.Minute

// CommandRenewer invokes an external command (an ACME client wrapper,
// typically) to refresh the certificate files in place. The domain is
// exported as ATELIER_DOMAIN for the hook.
type CommandRenewer struct {
	Command string
	Logger  *slog.Logger
}

// Renew runs the configured command through the shell and waits for it.
func (r *CommandRenewer) Renew(ctx context.Context, domain string) error {
	if r.Command == "" {
		return fmt.Errorf("no renew command configured for %s", domain)
	}

	ctx, cancel := context.WithTimeout(ctx, renewTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Env = append(cmd.Environ(), "ATELIER_DOMAIN="+domain)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("renew command failed: %w: %s", err, out)
	}
	r.Logger.Info("renew command completed", "domain", domain)
	return nil
}
