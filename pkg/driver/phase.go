package driver

import (
	"fmt"
	"slices"
)

// Phase is the lifecycle position of an instance as last driven by this
// tool. It guards operation order; liveness is always taken from
// IsRunning.
type Phase string

const (
	PhaseUninstalled Phase = "uninstalled"
	PhaseInstalled   Phase = "installed"
	PhaseCustomized  Phase = "customized"
	PhaseRunning     Phase = "running"
	PhaseStopped     Phase = "stopped"
	PhaseKilled      Phase = "killed"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhaseUninstalled,
	PhaseInstalled,
	PhaseCustomized,
	PhaseRunning,
	PhaseStopped,
	PhaseKilled,
}

func (p Phase) String() string {
	return string(p)
}

// ParsePhase converts a stored phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !slices.Contains(Phases, p) {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

var (
	customizeFrom = []Phase{PhaseInstalled, PhaseCustomized, PhaseStopped, PhaseKilled}
	launchFrom    = []Phase{PhaseCustomized, PhaseStopped}
)

func requirePhase(op string, current Phase, allowed []Phase) error {
	if slices.Contains(allowed, current) {
		return nil
	}
	return &StageError{
		Kind:    KindPrecondition,
		Message: fmt.Sprintf("%s is not allowed in phase %s (requires one of %v)", op, current, allowed),
	}
}
