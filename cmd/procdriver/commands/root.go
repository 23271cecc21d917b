package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/config"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool

	local      bool
	host       string
	instance   string
	storePath  string
	escalation string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "procdriver",
		Short: "procdriver - remote service lifecycle driver",
		Long: `procdriver installs, configures, launches and stops a service process on a
remote host over SSH, or on this machine with --local.

The service is described by a descriptor: the built-in PostgreSQL descriptor,
or a Starlark script for anything else. Every lifecycle stage is rendered into
a bash script, queued on the instance's lane and recorded in a local SQLite
database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file path")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "print lifecycle events as they happen")
	pf.BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")
	pf.BoolVar(&flags.local, "local", false, "run scripts on this machine instead of over SSH")
	pf.StringVar(&flags.host, "host", "", "override target.host")
	pf.StringVar(&flags.instance, "instance", "", "override service.instance_id")
	pf.StringVar(&flags.storePath, "store", "", "override store.path")
	pf.StringVar(&flags.escalation, "escalation", "", "override target.escalation (sudo, none)")

	for _, cmd := range newLifecycleCommands(flags, version) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newRenderCommand(flags, version))
	rootCmd.AddCommand(newHistoryCommand(flags))
	rootCmd.AddCommand(newConfigCommand(flags))
	rootCmd.AddCommand(newDescriptorCommand(flags))
	rootCmd.AddCommand(newPolicyCommand(flags))
	rootCmd.AddCommand(newPingCommand(flags))

	return rootCmd
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	pf := cmd.Flags()
	if pf.Changed("local") {
		cfg.Target.Local = flags.local
	}
	if pf.Changed("host") {
		cfg.Target.Host = flags.host
	}
	if pf.Changed("instance") {
		cfg.Service.InstanceID = flags.instance
	}
	if pf.Changed("store") {
		cfg.Store.Path = flags.storePath
	}
	if pf.Changed("escalation") {
		cfg.Target.Escalation = flags.escalation
	}
	if flags.verbose && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
