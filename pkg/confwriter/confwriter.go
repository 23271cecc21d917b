// Package confwriter assembles remote configuration files by appending the
// output of producer commands. Appends are never reordered or deduplicated:
// the file grows by exactly the producers' output, in call order.
package confwriter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// Line is one append: the output of Producer goes to the end of File.
type Line struct {
	File     string
	Producer string
}

// Echo returns a producer that prints text followed by a newline.
func Echo(text string) string {
	return shell.Echo(text)
}

// AppendLine renders a command that runs producer as user and appends its
// output to file, also as user. pipefail makes a failing producer fail the
// whole command.
func AppendLine(esc shell.Escalator, producer, user, file string) string {
	return fmt.Sprintf("( set -o pipefail; %s | %s >/dev/null )",
		esc.AsUser(user, producer),
		esc.AsUser(user, "tee -a "+shell.Quote(file)))
}

// Render renders every line as an append command, in order.
func Render(esc shell.Escalator, user string, lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = AppendLine(esc, l.Producer, user, l.File)
	}
	return out
}

// WriteError reports the append that failed.
type WriteError struct {
	Index    int
	File     string
	ExitCode int
	Stderr   string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("append %d to %s failed with exit code %d", e.Index, e.File, e.ExitCode)
}

// Writer runs appends directly against a target.
type Writer struct {
	target remote.Target
	esc    shell.Escalator
	logger zerolog.Logger
}

// NewWriter returns a Writer for target.
func NewWriter(target remote.Target, esc shell.Escalator, logger zerolog.Logger) *Writer {
	return &Writer{target: target, esc: esc, logger: logger}
}

// Append appends each producer's output to file as user, in order, and
// stops at the first failure. Appends already made are left in place.
func (w *Writer) Append(ctx context.Context, user, file string, producers ...string) error {
	for i, p := range producers {
		res, err := w.target.Exec(ctx, remote.Command{
			Name:   "append " + file,
			Script: AppendLine(w.esc, p, user, file),
		})
		if err != nil {
			return fmt.Errorf("failed to append to %s: %w", file, err)
		}
		if res.ExitCode != 0 {
			return &WriteError{Index: i, File: file, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		w.logger.Debug().
			Str("file", file).
			Int("index", i).
			Msg("Appended configuration")
	}
	return nil
}
