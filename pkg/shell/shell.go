// Package shell renders the POSIX shell fragments that remote lifecycle
// stages are assembled from: quoting, privilege escalation, package-manager
// installs and the warn/fail sentinels used at the end of fallback chains.
package shell

import (
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Quote returns s quoted for safe use as a single shell word.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// QuoteAll quotes every argument and joins them with spaces.
func QuoteAll(args ...string) string {
	return shellescape.QuoteCommand(args)
}

// Join renders args as a command line. The first element is the program and
// is emitted as is so callers can pass paths containing globs or variables.
func Join(program string, args ...string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + QuoteAll(args...)
}

// And joins commands so each runs only if the previous one succeeded.
func And(cmds ...string) string {
	return strings.Join(cmds, " && ")
}

// Or joins commands so each runs only if the previous one failed.
func Or(cmds ...string) string {
	return strings.Join(cmds, " || ")
}

// Echo prints text verbatim.
func Echo(text string) string {
	return "echo " + Quote(text)
}

// Warn prints msg to stderr and succeeds.
func Warn(msg string) string {
	return fmt.Sprintf("( echo %s >&2 ; true )", Quote("WARNING: "+msg))
}

// Fail prints msg to stderr and exits the enclosing shell with code.
func Fail(msg string, code int) string {
	return fmt.Sprintf("{ echo %s >&2; exit %d; }", Quote(msg), code)
}

// OnPath succeeds when binary resolves through PATH.
func OnPath(binary string) string {
	return fmt.Sprintf("which %s >/dev/null 2>&1", Quote(binary))
}

// Executable succeeds when path names an executable file.
func Executable(path string) string {
	return "test -x " + Quote(path)
}

// MkdirP creates dir and any missing parents.
func MkdirP(dir string) string {
	return Join("mkdir", "-p", dir)
}

// Symlink points link at target, replacing an existing link. target is
// emitted as is so it may be a command substitution.
func Symlink(target, link string) string {
	return "ln -sfn " + target + " " + Quote(link)
}
