package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/procdriver/pkg/remote"
)

// signalGrace is how long a cancelled command gets between SIGTERM and
// SIGKILL.
const signalGrace = 100 * time.Millisecond

// Exec implements remote.Target. The script is fed to the configured shell
// on stdin. A nonzero exit is reported in the result; only channel failures
// and cancellation return an error.
func (c *SSHClient) Exec(ctx context.Context, cmd remote.Command) (*remote.Result, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = strings.NewReader(cmd.Script)

	c.logger.Debug().Str("command", cmd.Name).Int("script_len", len(cmd.Script)).Msg("Executing command")

	startTime := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(c.config.shell() + " -s")
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(signalGrace)
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command %q cancelled: %w", cmd.Name, ctx.Err()),
		}
	case execErr = <-doneChan:
	}

	finishedAt := time.Now()
	result := &remote.Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		StartedAt:  startTime,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startTime),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			// ExitMissingError and friends: the channel died under the command.
			return nil, &TransportError{
				Op:          "exec",
				Err:         fmt.Errorf("command %q: %w", cmd.Name, execErr),
				IsTemporary: true,
			}
		}
	}

	c.logger.Debug().
		Str("command", cmd.Name).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("Command completed")

	return result, nil
}
