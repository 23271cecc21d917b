// Package script builds the bash scripts run for each lifecycle stage.
//
// A Builder is a value: every method returns a new Builder and never
// mutates the receiver, so partially built scripts can be shared and
// extended independently. Build yields an immutable Request holding the
// rendered script.
package script

import (
	"context"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/shell"
)

type config struct {
	name       string
	usePidFile bool
	pidFile    string
	pidManaged bool
	esc        shell.Escalator
	logger     zerolog.Logger
}

// Option configures a Builder.
type Option func(*config)

// Named labels the script in logs and results.
func Named(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// UsePidFile enables the pid-file harness for the stage.
func UsePidFile(enabled bool) Option {
	return func(c *config) {
		c.usePidFile = enabled
	}
}

// PidFile sets the pid file the harness reads and writes. When managed is
// true the service writes the file itself and the harness only reads it.
func PidFile(path string, managed bool) Option {
	return func(c *config) {
		c.pidFile = path
		c.pidManaged = managed
	}
}

// WithEscalator sets how harness commands gain root. Defaults to sudo.
func WithEscalator(esc shell.Escalator) Option {
	return func(c *config) {
		c.esc = esc
	}
}

// WithLogger sets the logger used when executing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Builder accumulates the steps of one stage script.
type Builder struct {
	stage    Stage
	cfg      config
	body     []string
	finally  []string
	failFast bool
}

// New returns an empty, tolerant builder for stage.
func New(stage Stage, opts ...Option) Builder {
	cfg := config{
		name:   string(stage),
		esc:    shell.Sudo{},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Builder{stage: stage, cfg: cfg}
}

// Stage returns the builder's stage.
func (b Builder) Stage() Stage {
	return b.stage
}

// Append returns a builder with cmds added to the body.
func (b Builder) Append(cmds ...string) Builder {
	b.body = append(slices.Clone(b.body), cmds...)
	return b
}

// Finally returns a builder with cmds added to the steps that run when the
// script exits, whatever its outcome. They do not change the exit status.
func (b Builder) Finally(cmds ...string) Builder {
	b.finally = append(slices.Clone(b.finally), cmds...)
	return b
}

// FailOnNonZeroResultCode returns a builder that aborts at the first step
// exiting nonzero and reports that step's exit code.
func (b Builder) FailOnNonZeroResultCode() Builder {
	b.body = slices.Clone(b.body)
	b.finally = slices.Clone(b.finally)
	b.failFast = true
	return b
}

// Build renders the script into an immutable Request.
func (b Builder) Build() Request {
	r := Request{
		stage:      b.stage,
		name:       b.cfg.name,
		steps:      slices.Clone(b.body),
		finally:    slices.Clone(b.finally),
		failFast:   b.failFast,
		usePidFile: b.cfg.usePidFile && b.cfg.pidFile != "",
		pidFile:    b.cfg.pidFile,
		pidManaged: b.cfg.pidManaged,
	}
	r.script = render(r, b.cfg.esc)
	return r
}

// Execute builds the script and runs it on target, blocking until it
// finishes.
func (b Builder) Execute(ctx context.Context, target remote.Target) (*Result, error) {
	return b.Build().run(ctx, target, b.cfg.logger)
}

// Queue builds the script and hands it to sub, which runs it on target
// later. Tasks sharing a lane run in submission order. A nil sub runs the
// script inline and returns an already completed handle.
func (b Builder) Queue(ctx context.Context, target remote.Target, sub Submitter, lane string) (Handle, error) {
	req := b.Build()
	logger := b.cfg.logger
	task := Task{
		Name:  req.Name(),
		Lane:  lane,
		Stage: req.Stage(),
		Run: func(ctx context.Context) (*Result, error) {
			return req.run(ctx, target, logger)
		},
	}
	if sub == nil {
		res, err := task.Run(ctx)
		return Completed(res, err), nil
	}
	return sub.Submit(ctx, task)
}
