package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ExecRunner runs engines as host processes inside the workspace
type ExecRunner struct{}

// NewExecRunner creates a host process runner
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Root returns workspace unchanged; host processes see host paths
func (r *ExecRunner) Root(workspace string) string { return workspace }

// Run executes job.Command and waits for it to exit or time out
func (r *ExecRunner) Run(ctx context.Context, job Job) (*Result, error) {
	if len(job.Command) == 0 {
		return nil, fmt.Errorf("job %s has no command", job.ID)
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Workspace
	cmd.Env = append(os.Environ(), envList(job.Env)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("engine %s: %w", job.Command[0], ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to run %s: %w", job.Command[0], err)
	}
	return result, nil
}

// Close is a no-op
func (r *ExecRunner) Close() error { return nil }
