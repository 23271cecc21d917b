package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/procdriver/pkg/config"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/policy"
)

// guardedOperations are the driver operations a policy can refuse.
var guardedOperations = []string{"install", "customize", "launch", "stop", "kill"}

func newPolicyCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies that gate lifecycle operations",
	}
	cmd.AddCommand(newPolicyListCommand(flags))
	cmd.AddCommand(newPolicyShowCommand(flags))
	cmd.AddCommand(newPolicyCheckCommand(flags))
	return cmd
}

func newPolicyListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			eng, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}
			if len(policies) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no policies configured")
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, policySource(&p), p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print one policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			eng, err := newPolicyEngine(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			p, err := eng.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), p)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "name:     %s\n", p.Name)
			fmt.Fprintf(w, "severity: %s\n", p.Severity)
			fmt.Fprintf(w, "enabled:  %t\n", p.Enabled)
			fmt.Fprintf(w, "source:   %s\n", policySource(p))
			if p.Description != "" {
				fmt.Fprintf(w, "\n%s\n", p.Description)
			}
			_, err = fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(p.Rego))
			return err
		},
	}
}

func policySource(p *policy.Policy) string {
	if p.Builtin {
		return "built-in"
	}
	return p.Source
}

func newPolicyCheckCommand(flags *globalFlags) *cobra.Command {
	var (
		operations []string
		phase      string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the policies for the configured instance",
		Long: `Evaluate every policy against the configured instance for each lifecycle
operation and report which ones would be refused. Nothing runs on the target.
With --watch, the report is printed again whenever a policy file changes.`,
		Example: `  procdriver policy check
  procdriver policy check --operation kill --phase running
  procdriver policy check --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			p, err := driver.ParsePhase(phase)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, err := newPolicyEngine(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			kind, err := serviceKind(ctx, cfg)
			if err != nil {
				return err
			}
			reqs := authorizationRequests(cfg, kind, p, operations)

			var mu sync.Mutex
			report := func() ([]string, error) {
				mu.Lock()
				defer mu.Unlock()
				return printPolicyReport(ctx, cmd.OutOrStdout(), eng, reqs, flags.jsonOutput)
			}

			denied, err := report()
			if err != nil {
				return err
			}
			if !watch {
				if len(denied) > 0 {
					return fmt.Errorf("policy denies %s", strings.Join(denied, ", "))
				}
				return nil
			}

			if len(cfg.Policy.Paths) == 0 {
				return fmt.Errorf("--watch needs policy.paths")
			}
			if err := eng.Watch(ctx, cfg.Policy.Paths, func() {
				if _, err := report(); err != nil {
					log.Error().Err(err).Msg("Policy evaluation failed")
				}
			}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&operations, "operation", nil, "only check these operations (install, customize, launch, stop, kill)")
	cmd.Flags().StringVar(&phase, "phase", string(driver.PhaseUninstalled), "phase the instance is assumed to be in")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-check whenever a policy file changes")
	return cmd
}

// serviceKind returns the kind policies see for the configured descriptor.
func serviceKind(ctx context.Context, cfg *config.Config) (string, error) {
	fetcher, err := newFetcher(ctx, cfg, log.Logger)
	if err != nil {
		return "", err
	}
	esc, err := cfg.Escalator()
	if err != nil {
		return "", err
	}
	desc, err := newDescriptor(ctx, cfg, fetcher, esc, log.Logger)
	if err != nil {
		return "", err
	}
	return desc.Kind(), nil
}

func authorizationRequests(cfg *config.Config, kind string, phase driver.Phase, operations []string) []driver.Authorization {
	if len(operations) == 0 {
		operations = guardedOperations
	}
	target := targetName(cfg)
	layout := driver.NewLayout(cfg.Params(), kind)

	reqs := make([]driver.Authorization, 0, len(operations))
	for _, op := range operations {
		reqs = append(reqs, driver.Authorization{
			Operation: strings.ToLower(op),
			Phase:     phase,
			Kind:      kind,
			Target:    target,
			Layout:    layout,
		})
	}
	return reqs
}

type policyVerdict struct {
	Operation  string             `json:"operation"`
	Allowed    bool               `json:"allowed"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Warnings   []policy.Violation `json:"warnings,omitempty"`
}

// printPolicyReport evaluates reqs and returns the refused operations.
func printPolicyReport(ctx context.Context, w io.Writer, eng *policy.Engine, reqs []driver.Authorization, asJSON bool) ([]string, error) {
	var (
		verdicts []policyVerdict
		denied   []string
	)
	for _, req := range reqs {
		result, err := eng.Evaluate(ctx, policy.InputFor(req))
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, policyVerdict{
			Operation:  req.Operation,
			Allowed:    result.Allowed,
			Violations: result.Violations,
			Warnings:   result.Warnings,
		})
		if !result.Allowed {
			denied = append(denied, req.Operation)
		}
	}

	if asJSON {
		return denied, writeJSON(w, verdicts)
	}
	for _, v := range verdicts {
		state := "allowed"
		if !v.Allowed {
			state = "denied"
		}
		fmt.Fprintf(w, "%s: %s\n", v.Operation, state)
		for _, viol := range v.Violations {
			fmt.Fprintf(w, "  %s\n", viol)
		}
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "  %s\n", warn)
		}
	}
	return denied, nil
}
