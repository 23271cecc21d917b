package driver

import (
	"errors"
	"fmt"

	"github.com/openfroyo/procdriver/pkg/script"
)

// ErrorKind classifies lifecycle failures.
type ErrorKind string

const (
	// KindDiscoveryExhausted means no install or link alternative found the
	// service binaries. The stage exited chain.ExitDiscoveryExhausted.
	KindDiscoveryExhausted ErrorKind = "discovery_exhausted"

	// KindStageStepFailure means a fail-fast step exited nonzero.
	KindStageStepFailure ErrorKind = "stage_step_failure"

	// KindConfigurationMissing means the parameters cannot drive the
	// operation, such as a missing creation script source.
	KindConfigurationMissing ErrorKind = "configuration_missing"

	// KindRemoteChannelFailure means the transport failed while a stage was
	// in flight.
	KindRemoteChannelFailure ErrorKind = "remote_channel_failure"

	// KindPrecondition means the operation is not allowed in the current
	// lifecycle phase.
	KindPrecondition ErrorKind = "precondition"

	// KindPolicyDenied means the guard refused the operation.
	KindPolicyDenied ErrorKind = "policy_denied"
)

// StageError is returned by every driver operation that fails.
type StageError struct {
	Kind     ErrorKind
	Stage    script.Stage
	Step     string
	ExitCode int
	Message  string
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s (stage=%s, step=%s, exit=%d)", e.Kind, e.Message, e.Stage, e.Step, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches another *StageError of the same kind.
func (e *StageError) Is(target error) bool {
	t, ok := target.(*StageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrDiscoveryExhausted   = &StageError{Kind: KindDiscoveryExhausted}
	ErrStageStepFailure     = &StageError{Kind: KindStageStepFailure}
	ErrConfigurationMissing = &StageError{Kind: KindConfigurationMissing}
	ErrRemoteChannelFailure = &StageError{Kind: KindRemoteChannelFailure}
	ErrPrecondition         = &StageError{Kind: KindPrecondition}
	ErrPolicyDenied         = &StageError{Kind: KindPolicyDenied}
)

// KindOf returns the kind of err, or "" when err is not a *StageError.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ExitCodeOf returns the exit code carried by err, or 0 when there is none.
func ExitCodeOf(err error) int {
	var se *StageError
	if errors.As(err, &se) {
		return se.ExitCode
	}
	return 0
}

// IsDiscoveryExhausted reports whether err is a discovery failure.
func IsDiscoveryExhausted(err error) bool {
	return KindOf(err) == KindDiscoveryExhausted
}

// IsStageStepFailure reports whether err is a failed fail-fast step.
func IsStageStepFailure(err error) bool {
	return KindOf(err) == KindStageStepFailure
}

// IsPolicyDenied reports whether err is a refusal by the guard.
func IsPolicyDenied(err error) bool {
	return KindOf(err) == KindPolicyDenied
}

// IsConfigurationMissing reports whether err is a configuration error.
func IsConfigurationMissing(err error) bool {
	return KindOf(err) == KindConfigurationMissing
}

// IsRemoteChannelFailure reports whether err is a transport failure.
func IsRemoteChannelFailure(err error) bool {
	return KindOf(err) == KindRemoteChannelFailure
}

// IsPrecondition reports whether err is a phase precondition failure.
func IsPrecondition(err error) bool {
	return KindOf(err) == KindPrecondition
}

func configurationMissing(format string, args ...any) *StageError {
	return &StageError{
		Kind:    KindConfigurationMissing,
		Message: fmt.Sprintf(format, args...),
	}
}
