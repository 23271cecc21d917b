package driver

import (
	"fmt"
	"path"

	"github.com/go-playground/validator/v10"
)

// Params is the configuration of one managed instance. The driver copies it
// at construction and never changes it.
type Params struct {
	InstanceID string `validate:"required"`
	InstallDir string `validate:"required,startswith=/"`
	RunDir     string `validate:"required,startswith=/"`
	Port       int    `validate:"required,min=1,max=65535"`
	User       string `validate:"required"`
	// Group owns the data directory and log file. Defaults to User.
	Group string

	// Exactly one of CreationScriptURL and CreationScriptContents must be
	// set before Customize.
	CreationScriptURL      string
	CreationScriptContents string
}

var validate = validator.New()

// Validate checks the fields every operation needs. The creation script
// source is checked by Customize.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid service parameters: %w", err)
	}
	return nil
}

func (p Params) group() string {
	if p.Group == "" {
		return p.User
	}
	return p.Group
}

// Layout holds the paths and identity derived from Params for one service
// kind. Descriptors render their commands from it.
type Layout struct {
	InstanceID     string
	Port           int
	User           string
	Group          string
	InstallDir     string
	RunDir         string
	DataDir        string
	LogFile        string
	BinDir         string
	CreationScript string
}

// NewLayout derives the layout of p for a service of the given kind.
func NewLayout(p Params, kind string) Layout {
	return Layout{
		InstanceID:     p.InstanceID,
		Port:           p.Port,
		User:           p.User,
		Group:          p.group(),
		InstallDir:     p.InstallDir,
		RunDir:         p.RunDir,
		DataDir:        path.Join(p.RunDir, "data"),
		LogFile:        path.Join(p.RunDir, kind+".log"),
		BinDir:         path.Join(p.InstallDir, "bin"),
		CreationScript: path.Join(p.RunDir, "creation-script.sql"),
	}
}

// Bin returns the path of name under the canonical binary link.
func (l Layout) Bin(name string) string {
	return path.Join(l.BinDir, name)
}

// Owner returns "user:group".
func (l Layout) Owner() string {
	return l.User + ":" + l.Group
}
