package driver

import (
	"context"
	"time"

	"github.com/openfroyo/procdriver/pkg/script"
)

// Stage run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTolerated = "tolerated"
)

// StageRecord is the sealed outcome of one stage script.
type StageRecord struct {
	InstanceID string
	Kind       string
	Host       string
	Stage      script.Stage
	Name       string
	Status     string
	ExitCode   int
	Error      string
	Stdout     string
	Stderr     string
	StartedAt  time.Time
	Duration   time.Duration
}

// InstanceState is the persisted phase of an instance.
type InstanceState struct {
	InstanceID string
	Kind       string
	Host       string
	Phase      Phase
}

// Recorder persists stage outcomes and phases across processes.
type Recorder interface {
	RecordStage(ctx context.Context, rec StageRecord) error
	SavePhase(ctx context.Context, state InstanceState) error
	// LastPhase returns false when the instance has never been recorded.
	LastPhase(ctx context.Context, instanceID string) (Phase, bool, error)
}
