package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/procdriver/pkg/config"
)

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and show the configuration",
	}
	cmd.AddCommand(newConfigInitCommand(flags))
	cmd.AddCommand(newConfigValidateCommand(flags))
	cmd.AddCommand(newConfigShowCommand(flags))
	return cmd
}

func newConfigInitCommand(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Example: `  # Write ~/.config/procdriver/procdriver.yaml
  procdriver config init

  # Write a config for a local instance next to the project
  procdriver config init -c ./procdriver.yaml --local`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			cfg.Target.Local = flags.local
			if flags.host != "" {
				cfg.Target.Host = flags.host
			}
			if flags.instance != "" {
				cfg.Service.InstanceID = flags.instance
			}
			if flags.storePath != "" {
				cfg.Store.Path = flags.storePath
			}
			if flags.escalation != "" {
				cfg.Target.Escalation = flags.escalation
			}

			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if !cfg.Target.Local {
				if err := cfg.SSH().Validate(); err != nil {
					return fmt.Errorf("invalid target: %w", err)
				}
			}
			if err := cfg.Params().Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newConfigShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			masked := *cfg
			mask(&masked.Target.Password)
			mask(&masked.Target.PrivateKeyPassphrase)
			mask(&masked.Service.CheckPassword)
			mask(&masked.S3.SecretAccessKey)

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), masked)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(masked); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}
