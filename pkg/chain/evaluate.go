package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/procdriver/pkg/remote"
)

// Attempt records one executed group.
type Attempt struct {
	Index  int
	Result *remote.Result
}

// Outcome is the result of evaluating a chain group by group.
type Outcome struct {
	// Index of the group that succeeded, or -1 when the chain was exhausted.
	Index int
	// Result of the winning group, or of the last group when exhausted.
	Result   *remote.Result
	Attempts []Attempt
}

// Succeeded reports whether some group exited zero.
func (o *Outcome) Succeeded() bool {
	return o.Index >= 0
}

// Exhausted reports whether every group failed.
func (o *Outcome) Exhausted() bool {
	return o.Index < 0
}

// ExitCode returns the chain's exit status.
func (o *Outcome) ExitCode() int {
	if o.Result == nil {
		if o.Succeeded() {
			return 0
		}
		return 1
	}
	return o.Result.ExitCode
}

// Evaluate runs the chain on target one group at a time and stops at the
// first group that exits zero. Groups after the winner are never executed.
// An empty group succeeds without touching the target. The returned error
// is non-nil only when the target's channel fails.
func Evaluate(ctx context.Context, target remote.Target, c Chain) (*Outcome, error) {
	logger := zerolog.Ctx(ctx)
	outcome := &Outcome{Index: -1}

	for i, g := range c.groups {
		if g.Empty() {
			res := &remote.Result{}
			outcome.Attempts = append(outcome.Attempts, Attempt{Index: i, Result: res})
			outcome.Index, outcome.Result = i, res
			return outcome, nil
		}

		res, err := target.Exec(ctx, remote.Command{
			Name:   fmt.Sprintf("chain-group-%d", i),
			Script: g.Render(),
		})
		if err != nil {
			return outcome, fmt.Errorf("chain group %d: %w", i, err)
		}

		outcome.Attempts = append(outcome.Attempts, Attempt{Index: i, Result: res})
		outcome.Result = res

		logger.Debug().
			Int("group", i).
			Int("exit_code", res.ExitCode).
			Msg("Evaluated chain group")

		if res.ExitCode == 0 {
			outcome.Index = i
			return outcome, nil
		}
	}

	return outcome, nil
}
