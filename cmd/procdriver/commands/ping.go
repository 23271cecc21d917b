package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/config"
	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/transports/ssh"
)

type pingOutput struct {
	Target    string        `json:"target"`
	User      string        `json:"user,omitempty"`
	Connected time.Time     `json:"connected_at"`
	Latency   time.Duration `json:"latency"`
}

func newPingCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the target accepts commands",
		Long: `Open the execution channel to the configured target and run a no-op
command on it. No stage runs and nothing is recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			start := time.Now()
			out, err := ping(cmd, cfg)
			if err != nil {
				return err
			}
			out.Latency = time.Since(start)

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", out.Target, out.Latency.Round(time.Millisecond))
			return err
		},
	}
}

func ping(cmd *cobra.Command, cfg *config.Config) (*pingOutput, error) {
	ctx := cmd.Context()

	if cfg.Target.Local {
		local, err := remote.NewLocal()
		if err != nil {
			return nil, err
		}
		res, err := local.Exec(ctx, remote.Command{Name: "ping", Script: "true"})
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, fmt.Errorf("ping exited %d: %s", res.ExitCode, res.Stderr)
		}
		return &pingOutput{Target: local.Address(), Connected: res.StartedAt}, nil
	}

	client, err := ssh.NewSSHClient(cfg.SSH(), ssh.WithLogger(log.Logger))
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Debug().Err(err).Msg("SSH disconnect failed")
		}
	}()
	if err := client.HealthCheck(ctx); err != nil {
		return nil, err
	}

	info := client.ConnectionInfo()
	return &pingOutput{
		Target:    fmt.Sprintf("%s:%d", info.Host, info.Port),
		User:      info.User,
		Connected: info.ConnectedAt,
	}, nil
}
