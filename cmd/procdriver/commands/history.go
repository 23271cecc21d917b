package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/stores"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit     int
		offset    int
		instances bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded stage runs",
		Long: `Show the stage runs recorded for the configured instance, newest first.
With --instances, list every instance the store knows and its last phase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if !cfg.StoreEnabled() {
				return errors.New("no store configured (store.path is empty)")
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if instances {
				list, err := store.ListInstances(ctx)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return writeJSON(w, list)
				}
				return printInstances(w, list)
			}

			runs, err := store.ListStageRuns(ctx, cfg.Service.InstanceID, limit, offset)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(w, runs)
			}
			return printStageRuns(w, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many of the newest runs")
	cmd.Flags().BoolVar(&instances, "instances", false, "list instances instead of stage runs")
	return cmd
}

func printStageRuns(w io.Writer, runs []*stores.StageRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no stage runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTAGE\tNAME\tSTATUS\tEXIT\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Stage, r.Name, r.Status, r.ExitCode, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func printInstances(w io.Writer, list []*stores.Instance) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no instances recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tKIND\tHOST\tPHASE\tUPDATED")
	for _, inst := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.Kind, inst.Host, inst.Phase, inst.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
