package script

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// Request is a fully rendered stage script.
type Request struct {
	stage      Stage
	name       string
	steps      []string
	finally    []string
	failFast   bool
	usePidFile bool
	pidFile    string
	pidManaged bool
	script     string
}

func (r Request) Stage() Stage           { return r.stage }
func (r Request) Name() string           { return r.name }
func (r Request) FailFast() bool         { return r.failFast }
func (r Request) UsesPidFile() bool      { return r.usePidFile }
func (r Request) PidFile() string        { return r.pidFile }
func (r Request) Script() string         { return r.script }
func (r Request) Steps() []string        { return slices.Clone(r.steps) }
func (r Request) FinallySteps() []string { return slices.Clone(r.finally) }

// Command returns the request as a remote command.
func (r Request) Command() remote.Command {
	return remote.Command{Name: r.name, Script: r.script}
}

// Run executes the request on target.
func (r Request) Run(ctx context.Context, target remote.Target) (*Result, error) {
	return r.run(ctx, target, *zerolog.Ctx(ctx))
}

func (r Request) run(ctx context.Context, target remote.Target, logger zerolog.Logger) (*Result, error) {
	logger.Debug().
		Str("stage", r.stage.String()).
		Str("script", r.name).
		Str("target", target.Address()).
		Msg("Executing stage script")

	res, err := target.Exec(ctx, r.Command())
	if err != nil {
		return nil, fmt.Errorf("stage %s (%s): %w", r.stage, r.name, err)
	}

	result := &Result{
		Stage:     r.stage,
		Name:      r.name,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}

	logger.Debug().
		Str("stage", r.stage.String()).
		Str("script", r.name).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Stage script finished")

	return result, nil
}

// Result is the sealed outcome of a stage script.
type Result struct {
	Stage     Stage
	Name      string
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	Duration  time.Duration
}

// Success reports whether the script exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

func render(r Request, esc shell.Escalator) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# procdriver %s: %s\n", r.stage, r.name)

	if len(r.finally) > 0 {
		sb.WriteString("__procdriver_finally() {\n")
		sb.WriteString("  __procdriver_rc=$?\n")
		sb.WriteString("  trap - EXIT\n")
		for _, step := range r.finally {
			sb.WriteString(step)
			sb.WriteString("\n")
		}
		sb.WriteString("  exit $__procdriver_rc\n")
		sb.WriteString("}\n")
		sb.WriteString("trap __procdriver_finally EXIT\n")
	}

	pre, post := harness(r, esc)
	steps := append(pre, r.steps...)
	if len(r.steps) == 0 {
		steps = append(steps, harnessDefaultBody(r, esc)...)
	}

	for _, step := range steps {
		if r.failFast {
			fmt.Fprintf(&sb, "{\n%s\n} || exit $?\n", step)
		} else {
			sb.WriteString(step)
			sb.WriteString("\n")
		}
	}

	if len(post) > 0 {
		sb.WriteString("__procdriver_rc=$?\n")
		for _, step := range post {
			sb.WriteString(step)
			sb.WriteString("\n")
		}
		sb.WriteString("exit $__procdriver_rc\n")
	}

	return sb.String()
}

// harness returns the pid-file steps run before and after the body.
func harness(r Request, esc shell.Escalator) (pre, post []string) {
	if !r.usePidFile {
		return nil, nil
	}
	pf := shell.Quote(r.pidFile)
	switch r.stage {
	case Launching:
		if !r.pidManaged {
			post = append(post, "echo $! > "+pf)
		}
	case CheckRunning:
		pre = append(pre, esc.AsRoot(fmt.Sprintf("test -f %s && ps -p $(head -n 1 %s) >/dev/null", pf, pf))+" || exit 1")
	}
	return pre, post
}

// harnessDefaultBody supplies the body of stop and kill scripts that have
// none of their own.
func harnessDefaultBody(r Request, esc shell.Escalator) []string {
	if !r.usePidFile {
		return nil
	}
	pf := shell.Quote(r.pidFile)
	switch r.stage {
	case Stopping:
		return []string{esc.AsRoot(fmt.Sprintf("test -f %s || exit 0; kill $(head -n 1 %s)", pf, pf))}
	case Killing:
		return []string{esc.AsRoot(fmt.Sprintf("test -f %s || exit 0; kill -9 $(head -n 1 %s) || true; rm -f %s", pf, pf, pf))}
	}
	return nil
}
