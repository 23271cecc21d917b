package chain

import (
	"fmt"
	"strings"

	"github.com/openfroyo/procdriver/pkg/shell"
)

// Candidates lists directories that may hold a binary, most preferred
// first. Entries may contain shell glob patterns, in which case the
// lexically last match is used. Patterns must not contain whitespace.
type Candidates []string

func isGlob(dir string) bool {
	return strings.ContainsAny(dir, "*?[")
}

// resolve returns a shell word that expands to the candidate directory.
func resolve(dir string) string {
	dir = strings.TrimSuffix(dir, "/")
	if isGlob(dir) {
		return fmt.Sprintf(`"$(ls -d %s 2>/dev/null | tail -n 1)"`, dir)
	}
	return shell.Quote(dir)
}

func executableIn(dir, binary string) string {
	return fmt.Sprintf("test -x %s/%s", resolve(dir), shell.Quote(binary))
}

// FindExecutable builds the discovery chain for binary: found on PATH, found
// executable in one of dirs, installed by one of the install alternatives,
// and finally warn. An empty warn omits the last group.
func FindExecutable(binary string, dirs Candidates, installs [][]string, warn string) Chain {
	groups := []Group{NewGroup(shell.OnPath(binary))}
	for _, dir := range dirs {
		groups = append(groups, NewGroup(executableIn(dir, binary)))
	}
	for _, cmds := range installs {
		groups = append(groups, NewGroup(cmds...))
	}
	if warn != "" {
		groups = append(groups, NewGroup(shell.Warn(warn)))
	}
	return New(groups...)
}

// LinkDirectory builds the chain that points link at the directory holding
// binary: its PATH location first, then each of dirs. When none holds the
// binary the chain prints failMsg and exits ExitDiscoveryExhausted.
func LinkDirectory(binary string, dirs Candidates, link, failMsg string) Chain {
	fromPath := fmt.Sprintf(`"$(dirname "$(which %s)")"`, shell.Quote(binary))
	groups := []Group{NewGroup(
		shell.OnPath(binary),
		shell.Symlink(fromPath, link),
	)}
	for _, dir := range dirs {
		groups = append(groups, NewGroup(
			executableIn(dir, binary),
			shell.Symlink(resolve(dir), link),
		))
	}
	groups = append(groups, NewGroup(shell.Fail(failMsg, ExitDiscoveryExhausted)))
	return New(groups...)
}
