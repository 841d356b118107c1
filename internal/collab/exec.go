package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dyluth/warren/internal/config"
)

const (
	// maxOutputBytes caps captured collaborator output at 10MB.
	maxOutputBytes = 10 * 1024 * 1024

	// maxDiagnosticBytes bounds the output tail surfaced as a diagnostic.
	maxDiagnosticBytes = 16 * 1024
)

// ExecRunner runs a collaborator as a host subprocess with the workspace as
// its working directory.
type ExecRunner struct {
	name    string
	command []string
	timeout time.Duration
}

// NewExecRunner builds an ExecRunner from collaborator configuration.
func NewExecRunner(name string, cfg config.CollaboratorConfig) (*ExecRunner, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("collaborator '%s' has an empty command", name)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("collaborator '%s' has no timeout", name)
	}
	return &ExecRunner{name: name, command: cfg.Command, timeout: cfg.Timeout}, nil
}

// Run executes the configured command in workingDir with env appended to the
// inherited environment. The process is killed when the per-call timeout
// elapses or ctx is cancelled.
func (r *ExecRunner) Run(ctx context.Context, workingDir string, env []string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command[0], r.command[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), env...)

	// Stdout and Stderr share one writer; os/exec serializes writes to a
	// shared writer, so the capture reads as a single interleaved stream.
	buf := &bytes.Buffer{}
	capped := &limitedWriter{w: buf, limit: maxOutputBytes}
	cmd.Stdout = capped
	cmd.Stderr = capped

	err := cmd.Run()
	output := buf.String()

	// Cancellation of the caller's context is an abandon, not a collaborator
	// failure.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &CollaboratorError{
			Collaborator: r.name,
			ExitCode:     -1,
			Output:       output,
			Err:          fmt.Errorf("timed out after %s", r.timeout),
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CollaboratorError{
				Collaborator: r.name,
				ExitCode:     exitErr.ExitCode(),
				Output:       output,
				Err:          fmt.Errorf("exited with code %d", exitErr.ExitCode()),
			}
		}
		return nil, &CollaboratorError{
			Collaborator: r.name,
			ExitCode:     -1,
			Output:       output,
			Err:          fmt.Errorf("failed to start process: %w", err),
		}
	}

	return &RunResult{ExitCode: 0, Output: output}, nil
}

// limitedWriter wraps a writer and enforces a size limit. Once the limit is
// reached, further writes are discarded without erroring the process.
type limitedWriter struct {
	w       *bytes.Buffer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// tail returns at most the last max bytes of s.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
