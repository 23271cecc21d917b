package commands

import (
	"errors"

	"github.com/openfroyo/procdriver/pkg/driver"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitNotRunning is returned by status when the service is down, as
	// LSB init scripts do.
	ExitNotRunning = 3
	// ExitDiscoveryExhausted means no candidate held the service binaries.
	ExitDiscoveryExhausted = driver.ExitDiscoveryExhausted
)

var errNotRunning = errors.New("service is not running")

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errNotRunning):
		return ExitNotRunning
	case driver.IsDiscoveryExhausted(err):
		return ExitDiscoveryExhausted
	default:
		return ExitFailure
	}
}
