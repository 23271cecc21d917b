// Package remotetest provides a scripted remote.Target for tests.
package remotetest

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/procdriver/pkg/remote"
)

type rule struct {
	match  string
	result remote.Result
	err    error
}

// Target records every command and answers with canned results. Rules are
// matched by substring against the script; the most recently added matching
// rule wins. Unmatched commands exit zero.
type Target struct {
	mu       sync.Mutex
	rules    []rule
	commands []remote.Command
	files    map[string][]byte
	modes    map[string]os.FileMode
	copyErr  error
}

// New returns an empty scripted target.
func New() *Target {
	return &Target{
		files: make(map[string][]byte),
		modes: make(map[string]os.FileMode),
	}
}

// On makes scripts containing match exit with code.
func (t *Target) On(match string, code int) *Target {
	return t.OnResult(match, remote.Result{ExitCode: code})
}

// OnResult makes scripts containing match produce res.
func (t *Target) OnResult(match string, res remote.Result) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule{match: match, result: res})
	return t
}

// FailChannel makes scripts containing match fail with a channel error.
func (t *Target) FailChannel(match string, err error) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rule{match: match, err: err})
	return t
}

// FailCopy makes every CopyTo fail with err.
func (t *Target) FailCopy(err error) *Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.copyErr = err
	return t
}

// Address implements remote.Target.
func (t *Target) Address() string {
	return "scripted"
}

// Exec implements remote.Target.
func (t *Target) Exec(ctx context.Context, cmd remote.Command) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, cmd)

	now := time.Now()
	for i := len(t.rules) - 1; i >= 0; i-- {
		r := t.rules[i]
		if !strings.Contains(cmd.Script, r.match) {
			continue
		}
		if r.err != nil {
			return nil, r.err
		}
		res := r.result
		res.StartedAt, res.FinishedAt = now, now
		return &res, nil
	}
	return &remote.Result{StartedAt: now, FinishedAt: now}, nil
}

// CopyTo implements remote.Target.
func (t *Target) CopyTo(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.copyErr != nil {
		return t.copyErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return err
	}
	t.files[remotePath] = buf.Bytes()
	t.modes[remotePath] = mode
	return nil
}

// Commands returns the commands executed so far.
func (t *Target) Commands() []remote.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]remote.Command(nil), t.commands...)
}

// Scripts returns the scripts executed so far.
func (t *Target) Scripts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.commands))
	for i, c := range t.commands {
		out[i] = c.Script
	}
	return out
}

// Ran reports whether any executed script contains match.
func (t *Target) Ran(match string) bool {
	for _, s := range t.Scripts() {
		if strings.Contains(s, match) {
			return true
		}
	}
	return false
}

// File returns the content copied to path.
func (t *Target) File(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.files[path]
	return string(b), ok
}

// Reset forgets recorded commands and files but keeps the rules.
func (t *Target) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = nil
	t.files = make(map[string][]byte)
	t.modes = make(map[string]os.FileMode)
}
