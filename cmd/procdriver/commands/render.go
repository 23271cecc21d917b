package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/script"
)

func newRenderCommand(flags *globalFlags, version string) *cobra.Command {
	var stages []string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the stage scripts without running them",
		Long: `Render every lifecycle stage script for the configured instance, in the
order the driver runs them. Nothing is executed and no connection is made.`,
		Example: `  # Show everything
  procdriver render

  # Only the launch and stop scripts
  procdriver render --stage launching --stage stopping`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, cfg, sessionOptions{offline: true, version: version})
			if err != nil {
				return err
			}
			defer s.close(context.WithoutCancel(ctx))

			reqs := filterStages(s.driver.Plan(), stages)
			if flags.jsonOutput {
				return renderJSON(cmd.OutOrStdout(), reqs)
			}
			return renderText(cmd.OutOrStdout(), reqs)
		},
	}

	cmd.Flags().StringSliceVar(&stages, "stage", nil, "only render these stages (installing, customizing, launching, check-running, stopping, killing)")
	return cmd
}

func filterStages(reqs []script.Request, stages []string) []script.Request {
	if len(stages) == 0 {
		return reqs
	}
	var out []script.Request
	for _, r := range reqs {
		for _, st := range stages {
			if strings.EqualFold(string(r.Stage()), st) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func renderText(w io.Writer, reqs []script.Request) error {
	for _, r := range reqs {
		if _, err := fmt.Fprintf(w, "### %s: %s\n%s\n", r.Stage(), r.Name(), strings.TrimRight(r.Script(), "\n")); err != nil {
			return err
		}
	}
	return nil
}

type renderedScript struct {
	Stage    string   `json:"stage"`
	Name     string   `json:"name"`
	FailFast bool     `json:"fail_fast"`
	PidFile  string   `json:"pid_file,omitempty"`
	Steps    []string `json:"steps"`
	Finally  []string `json:"finally,omitempty"`
	Script   string   `json:"script"`
}

func renderJSON(w io.Writer, reqs []script.Request) error {
	out := make([]renderedScript, 0, len(reqs))
	for _, r := range reqs {
		rs := renderedScript{
			Stage:    string(r.Stage()),
			Name:     r.Name(),
			FailFast: r.FailFast(),
			Steps:    r.Steps(),
			Finally:  r.FinallySteps(),
			Script:   r.Script(),
		}
		if r.UsesPidFile() {
			rs.PidFile = r.PidFile()
		}
		out = append(out, rs)
	}
	return writeJSON(w, out)
}
