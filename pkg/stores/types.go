package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/script"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Instance is a managed service instance.
type Instance struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind"`
	Host      string       `json:"host"`
	Phase     driver.Phase `json:"phase"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StageRun is the sealed outcome of one stage script.
type StageRun struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Stage      script.Stage  `json:"stage"`
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Error      *string       `json:"error,omitempty"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Instance operations
	UpsertInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	// StageRun operations
	CreateStageRun(ctx context.Context, run *StageRun) error
	GetStageRun(ctx context.Context, id string) (*StageRun, error)
	ListStageRuns(ctx context.Context, instanceID string, limit, offset int) ([]*StageRun, error)

	driver.Recorder

	// Utility
	HealthCheck(ctx context.Context) error
}
