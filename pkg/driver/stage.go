package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/script"
	"github.com/openfroyo/procdriver/pkg/telemetry"
)

type runMode int

const (
	// runFailFast turns a nonzero exit into a StageError.
	runFailFast runMode = iota
	// runTolerant logs a nonzero exit and carries on.
	runTolerant
	// runQuery treats the exit code as an answer and records nothing.
	runQuery
)

// maxRecordedOutput bounds the stdout and stderr kept in stage records.
const maxRecordedOutput = 8 << 10

// runStage executes b on the target, inline or through the submitter, and
// classifies the outcome.
func (d *Driver) runStage(ctx context.Context, b script.Builder, mode runMode, queued bool) (*script.Result, error) {
	req := b.Build()
	stage := req.Stage()
	kind := d.desc.Kind()

	ctx, span := d.tracer.StartStageSpan(ctx, d.params.InstanceID, stage.String(), req.Name())
	defer span.End()

	if mode != runQuery {
		_ = d.events.PublishStageStarted(d.params.InstanceID, stage.String(), req.Name())
	}

	started := time.Now()
	res, err := d.dispatch(ctx, b, queued)
	if err != nil {
		serr := &StageError{
			Kind:     KindRemoteChannelFailure,
			Stage:    stage,
			Step:     req.Name(),
			ExitCode: -1,
			Message:  "remote channel failure",
			Err:      err,
		}
		telemetry.RecordError(span, serr)
		d.metrics.RecordStage(kind, stage.String(), StatusFailed, time.Since(started))
		if mode != runQuery {
			_ = d.events.PublishStageFailed(d.params.InstanceID, stage.String(), req.Name(), -1, err.Error())
			d.record(ctx, req, &script.Result{StartedAt: started, Duration: time.Since(started), ExitCode: -1}, StatusFailed, serr)
		}
		return nil, serr
	}

	span.SetAttributes(telemetry.AttrExitCode.Int(res.ExitCode))

	if mode == runQuery {
		return res, nil
	}

	if res.Success() {
		telemetry.RecordSuccess(span)
		d.metrics.RecordStage(kind, stage.String(), StatusSucceeded, res.Duration)
		_ = d.events.PublishStageCompleted(d.params.InstanceID, stage.String(), req.Name(), res.Duration)
		d.record(ctx, req, res, StatusSucceeded, nil)
		return res, nil
	}

	if mode == runTolerant {
		d.logger.Warn().
			Str("stage", stage.String()).
			Str("step", req.Name()).
			Int("exit_code", res.ExitCode).
			Str("stderr", lastLine(res.Stderr)).
			Msg("Tolerated step failure")
		d.metrics.RecordStage(kind, stage.String(), StatusTolerated, res.Duration)
		d.metrics.RecordToleratedFailure(kind, req.Name())
		_ = d.events.PublishStageTolerated(d.params.InstanceID, stage.String(), req.Name(), res.ExitCode)
		d.record(ctx, req, res, StatusTolerated, nil)
		return res, nil
	}

	serr := classify(req, res)
	telemetry.RecordError(span, serr)
	d.metrics.RecordStage(kind, stage.String(), StatusFailed, res.Duration)
	_ = d.events.PublishStageFailed(d.params.InstanceID, stage.String(), req.Name(), res.ExitCode, serr.Message)
	d.record(ctx, req, res, StatusFailed, serr)
	return res, serr
}

func (d *Driver) dispatch(ctx context.Context, b script.Builder, queued bool) (*script.Result, error) {
	if !queued {
		return b.Execute(ctx, d.target)
	}
	h, err := b.Queue(ctx, d.target, d.sub, d.params.InstanceID)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Str("task", h.ID()).Str("stage", b.Stage().String()).Msg("Queued stage script")
	return h.Wait(ctx)
}

func classify(req script.Request, res *script.Result) *StageError {
	stderr := strings.TrimSpace(res.Stderr)
	if req.Stage() == script.Installing && res.ExitCode == chain.ExitDiscoveryExhausted {
		msg := lastLine(stderr)
		if msg == "" {
			msg = "service binaries not found"
		}
		return &StageError{
			Kind:     KindDiscoveryExhausted,
			Stage:    req.Stage(),
			Step:     req.Name(),
			ExitCode: res.ExitCode,
			Message:  msg,
			Stderr:   stderr,
		}
	}
	return &StageError{
		Kind:     KindStageStepFailure,
		Stage:    req.Stage(),
		Step:     req.Name(),
		ExitCode: res.ExitCode,
		Message:  fmt.Sprintf("%s failed with exit code %d", req.Name(), res.ExitCode),
		Stderr:   stderr,
	}
}

func (d *Driver) record(ctx context.Context, req script.Request, res *script.Result, status string, stageErr error) {
	if d.recorder == nil {
		return
	}
	rec := StageRecord{
		InstanceID: d.params.InstanceID,
		Kind:       d.desc.Kind(),
		Host:       d.target.Address(),
		Stage:      req.Stage(),
		Name:       req.Name(),
		Status:     status,
		ExitCode:   res.ExitCode,
		Stdout:     tail(res.Stdout, maxRecordedOutput),
		Stderr:     tail(res.Stderr, maxRecordedOutput),
		StartedAt:  res.StartedAt,
		Duration:   res.Duration,
	}
	if stageErr != nil {
		rec.Error = stageErr.Error()
	}
	if err := d.recorder.RecordStage(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Str("stage", req.Stage().String()).Msg("Failed to record stage run")
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
