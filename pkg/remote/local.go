package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Exec waits for orphaned children holding the
// output pipes after the shell exits or is killed.
const waitDelay = 2 * time.Second

// Local runs commands with bash on the current machine.
type Local struct {
	shell string
	env   []string
	dir   string
}

// LocalOption configures a Local target.
type LocalOption func(*Local)

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(kv ...string) LocalOption {
	return func(l *Local) {
		l.env = append(l.env, kv...)
	}
}

// WithDir sets the working directory commands start in.
func WithDir(dir string) LocalOption {
	return func(l *Local) {
		l.dir = dir
	}
}

// NewLocal resolves bash and returns a Local target.
func NewLocal(opts ...LocalOption) (*Local, error) {
	shell, err := exec.LookPath("bash")
	if err != nil {
		return nil, fmt.Errorf("bash not found: %w", err)
	}
	l := &Local{shell: shell}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Address implements Target.
func (l *Local) Address() string {
	return "localhost"
}

// Exec implements Target. The script is passed on stdin.
func (l *Local) Exec(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, l.shell, "-s")
	c.Stdin = strings.NewReader(cmd.Script)
	c.Dir = l.dir
	c.WaitDelay = waitDelay
	if len(l.env) > 0 {
		c.Env = append(os.Environ(), l.env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	startTime := time.Now()
	err := c.Run()
	endTime := time.Now()

	result := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  startTime,
		FinishedAt: endTime,
		Duration:   endTime.Sub(startTime),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command %q cancelled: %w", cmd.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run command %q: %w", cmd.Name, err)
	}

	return result, nil
}

// CopyTo implements Target.
func (l *Local) CopyTo(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(remotePath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", remotePath, err)
	}
	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", remotePath, err)
	}
	return nil
}
