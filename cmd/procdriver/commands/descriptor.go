package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/descriptors/starlarkdesc"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/fetch"
	"github.com/openfroyo/procdriver/pkg/shell"
)

func newDescriptorCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "descriptor",
		Short: "Work with Starlark service descriptors",
	}
	cmd.AddCommand(newDescriptorCheckCommand(flags))
	return cmd
}

func newDescriptorCheckCommand(flags *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "check <file|url>",
		Short: "Load a descriptor and call every hook against a sample layout",
		Example: `  procdriver descriptor check ./redis.star
  procdriver descriptor check s3://descriptors/redis.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var opts []fetch.Option
			// The S3 client needs credentials only when the reference is s3://.
			if cfg, err := loadConfig(cmd, flags); err == nil && cfg.S3Configured() {
				client, err := fetch.NewS3Client(ctx, cfg.S3Client())
				if err != nil {
					return err
				}
				opts = append(opts, fetch.WithS3(client))
			}

			desc, err := starlarkdesc.LoadFile(ctx, fetch.New(opts...), args[0])
			if err != nil {
				return err
			}

			params := driver.Params{
				InstanceID: "check",
				InstallDir: "/opt/check",
				RunDir:     "/var/run/check",
				Port:       port,
				User:       "check",
			}
			if err := desc.Check(driver.NewLayout(params, desc.Kind()), shell.Sudo{}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: kind %s, binary %s, hooks %v\n", args[0], desc.Kind(), desc.Binary(), desc.Hooks())
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "port used for the sample layout")
	return cmd
}
