package driver

import (
	"context"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/confwriter"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// Action is a service control verb.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionStatus Action = "status"
)

// InstallRecipe holds the two install chains: one that finds or installs
// the service binary, and one that links the directory holding it to
// Layout.BinDir.
type InstallRecipe struct {
	Discovery chain.Chain
	Link      chain.Chain
}

// Descriptor supplies the service specific commands of each stage.
type Descriptor interface {
	// Kind names the service, e.g. "postgresql".
	Kind() string

	InstallRecipe(l Layout, esc shell.Escalator) InstallRecipe

	// DefaultInstanceStop stops an instance the package manager may have
	// started. Its failure is tolerated. Empty skips the step.
	DefaultInstanceStop(l Layout, esc shell.Escalator) string

	// PrepareCommands create the data directory and log file and
	// initialize the data store. They must be safe to rerun.
	PrepareCommands(l Layout, esc shell.Escalator) []string

	// ConfigLines are appended, in order, as the service user.
	ConfigLines(l Layout) []confwriter.Line

	// InitScriptCommand runs Layout.CreationScript against a started
	// service.
	InitScriptCommand(l Layout, esc shell.Escalator) string

	// Control renders a start, stop or status command. Status exits zero
	// only while the service runs. When wait is true the command returns
	// after the action completes.
	Control(l Layout, esc shell.Escalator, action Action, wait bool) string

	// PidFile is the file tracking the service process.
	PidFile(l Layout) string

	// ManagesPidFile reports whether the service writes PidFile itself.
	ManagesPidFile() bool
}

// ReadyChecker is implemented by descriptors that can tell when a launched
// service accepts clients.
type ReadyChecker interface {
	CheckReady(ctx context.Context, host string, l Layout) error
}
