package script

import "fmt"

// Stage names a lifecycle phase a script belongs to.
type Stage string

const (
	Installing   Stage = "installing"
	Customizing  Stage = "customizing"
	Launching    Stage = "launching"
	CheckRunning Stage = "check-running"
	Stopping     Stage = "stopping"
	Killing      Stage = "killing"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{Installing, Customizing, Launching, CheckRunning, Stopping, Killing}

func (s Stage) String() string {
	return string(s)
}

// ParseStage returns the stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage: %s", s)
}
