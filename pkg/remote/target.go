// Package remote defines the execution channel lifecycle stages run over.
package remote

import (
	"context"
	"io"
	"os"
	"time"
)

// Command is a bash script executed on a target.
type Command struct {
	// Name labels the command in logs and errors.
	Name string
	// Script is fed to bash on the target.
	Script string
}

// Result holds the outcome of a command that ran to completion.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Target executes commands and receives files on a host.
//
// Exec returns an error only when the channel itself failed. A command that
// ran and exited nonzero is reported through Result.ExitCode.
type Target interface {
	Exec(ctx context.Context, cmd Command) (*Result, error)
	CopyTo(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error
	// Address identifies the host in logs.
	Address() string
}
