package strategy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes an external program and returns its stdout, truncated to maxStdout bytes
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, maxStdout int64) ([]byte, error)
}

// RunError reports a process that exited with a non-zero status
type RunError struct {
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, e.Stderr)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx ends.
type ExecRunner struct{}

// Run implements CommandRunner
func (ExecRunner) Run(ctx context.Context, name string, args []string, maxStdout int64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout := &cappedBuffer{max: maxStdout}
	stderr := &cappedBuffer{max: 4 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second // Do not wait on pipes held open by orphaned children

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return stdout.buf, &RunError{ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(string(stderr.buf))}
		}
		return stdout.buf, err
	}
	return stdout.buf, nil
}

// cappedBuffer keeps the first max bytes written and silently drops the rest,
// so the child never sees a broken pipe.
type cappedBuffer struct {
	buf []byte
	max int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - int64(len(b.buf)); room > 0 {
		if int64(len(p)) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}
