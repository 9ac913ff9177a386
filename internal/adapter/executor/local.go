// Package executor implements domain.RemoteExecutor over a local shell and
// over SSH.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"vmrelay/internal/domain"
)

// LocalHost is the VMTarget host that routes a run to the Local executor.
const LocalHost = "local"

// Local runs scripts with the host's shell. Meant for development and tests.
type Local struct {
	shell     string
	waitDelay time.Duration
	logger    *slog.Logger
}

// NewLocal creates a Local executor. An empty shell means /bin/sh.
func NewLocal(shell string, logger *slog.Logger) *Local {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Local{shell: shell, waitDelay: 2 * time.Second, logger: logger}
}

// Run implements domain.RemoteExecutor.
func (l *Local) Run(ctx context.Context, target domain.VMTarget, script string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, l.shell, "-c", script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = l.waitDelay

	l.logger.Debug("local run", "vm_id", target.ID, "session_id", domain.SessionIDFromContext(ctx))

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("local executor: %w", err)
}

var _ domain.RemoteExecutor = (*Local)(nil)
