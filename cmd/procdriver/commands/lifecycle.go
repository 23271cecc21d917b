package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/telemetry"
)

// lifecycleOp runs one driver operation.
type lifecycleOp func(ctx context.Context, s *session, cmd *cobra.Command) error

func newLifecycleCommands(flags *globalFlags, version string) []*cobra.Command {
	var startWait, restartWait bool

	start := newLifecycleCommand(flags, version, "start",
		"Install, customize and launch the service",
		func(ctx context.Context, s *session, _ *cobra.Command) error {
			if err := s.driver.Start(ctx); err != nil {
				return err
			}
			return waitIf(ctx, s, startWait)
		})
	start.Flags().BoolVar(&startWait, "wait", false, "wait until the service accepts clients")

	restart := newLifecycleCommand(flags, version, "restart",
		"Stop the service if it is running, then launch it",
		func(ctx context.Context, s *session, _ *cobra.Command) error {
			if err := s.driver.Restart(ctx); err != nil {
				return err
			}
			return waitIf(ctx, s, restartWait)
		})
	restart.Flags().BoolVar(&restartWait, "wait", false, "wait until the service accepts clients")

	return []*cobra.Command{
		newLifecycleCommand(flags, version, "install",
			"Find or install the service binaries and link them into the install directory",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return s.driver.Install(ctx) }),
		newLifecycleCommand(flags, version, "customize",
			"Prepare the data directory, write configuration and apply the creation script",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return s.driver.Customize(ctx) }),
		newLifecycleCommand(flags, version, "launch",
			"Launch the customized service",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return s.driver.Launch(ctx) }),
		start,
		restart,
		newLifecycleCommand(flags, version, "stop",
			"Stop the service and wait for it to exit",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return s.driver.Stop(ctx) }),
		newLifecycleCommand(flags, version, "kill",
			"Kill the process recorded in the pid file",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return s.driver.Kill(ctx) }),
		newLifecycleCommand(flags, version, "wait-ready",
			"Wait until the service accepts clients",
			func(ctx context.Context, s *session, _ *cobra.Command) error { return waitIf(ctx, s, true) }),
		newLifecycleCommand(flags, version, "status",
			"Report whether the service is running (exit 3 when it is not)",
			func(ctx context.Context, s *session, cmd *cobra.Command) error {
				running, err := s.driver.IsRunning(ctx)
				if err != nil {
					return err
				}
				if err := printStatus(cmd.OutOrStdout(), s, running, flags.jsonOutput); err != nil {
					return err
				}
				if !running {
					return errNotRunning
				}
				return nil
			}),
	}
}

func newLifecycleCommand(flags *globalFlags, version, use, short string, op lifecycleOp) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, cfg, sessionOptions{verbose: flags.verbose, version: version})
			if err != nil {
				return err
			}
			defer s.close(context.WithoutCancel(ctx))

			inst := telemetry.StartOperation(s.tel.WithContext(ctx), "procdriver."+use,
				telemetry.AttrInstanceID.String(cfg.Service.InstanceID))
			inst.Logger.Debugf("Running %s in phase %s", use, s.driver.Phase())
			err = op(inst.Ctx, s, cmd)
			if errors.Is(err, errNotRunning) {
				inst.End(nil)
				return err
			}
			inst.End(err)
			if err != nil {
				inst.Logger.WithError(err).Debug("Lifecycle command failed")
				return err
			}
			inst.Logger.Debugf("%s finished in %s", use, inst.Timer.Duration())
			if use != "status" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (phase %s)\n", cfg.Service.InstanceID, use, s.driver.Phase())
			}
			return nil
		},
	}
}

func waitIf(ctx context.Context, s *session, wait bool) error {
	if !wait {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Service.ReadyTimeout)
	defer cancel()
	return s.driver.WaitReady(ctx)
}

type statusOutput struct {
	Instance string `json:"instance"`
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Running  bool   `json:"running"`
	Phase    string `json:"phase"`
}

func printStatus(w io.Writer, s *session, running bool, asJSON bool) error {
	d := s.driver
	out := statusOutput{
		Instance: d.Params().InstanceID,
		Kind:     d.Descriptor().Kind(),
		Target:   s.target.Address(),
		Running:  running,
		Phase:    d.Phase().String(),
	}
	if asJSON {
		return writeJSON(w, out)
	}

	state := "stopped"
	if running {
		state = "running"
	}
	_, err := fmt.Fprintf(w, "%s (%s): %s, phase %s\n", out.Instance, out.Kind, state, out.Phase)
	return err
}
