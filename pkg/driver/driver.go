// Package driver sequences the lifecycle stages of one service instance on a
// remote target.
//
// A Driver is parameterized by Params and a Descriptor. Install discovers or
// installs the service binaries and links them under the install directory.
// Customize prepares the data directory, writes configuration and runs the
// creation script against a transiently started service. Launch starts the
// service in the background; IsRunning, Stop and Kill observe and end it.
//
// Operations on one Driver are serialized. Every failure is returned as a
// *StageError; a failed step of a tolerant stage is logged and ignored.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/confwriter"
	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/script"
	"github.com/openfroyo/procdriver/pkg/shell"
	"github.com/openfroyo/procdriver/pkg/telemetry"
)

// Fetcher resolves a creation script URL to its content.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithEscalator sets how commands gain root or the service user. Defaults
// to sudo.
func WithEscalator(esc shell.Escalator) Option {
	return func(d *Driver) { d.esc = esc }
}

// WithSubmitter queues install scripts through sub. Without one they run
// inline.
func WithSubmitter(sub script.Submitter) Option {
	return func(d *Driver) { d.sub = sub }
}

// WithFetcher sets the fetcher used for CreationScriptURL.
func WithFetcher(f Fetcher) Option {
	return func(d *Driver) { d.fetcher = f }
}

// WithRecorder persists stage runs and phases.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// WithLogger sets the driver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithMetrics records stage metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracer records operation and stage spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithEvents publishes stage and phase events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(d *Driver) { d.events = ep }
}

// WithPhase sets the starting phase, overriding any recorded one. Use it to
// adopt an instance installed by other means.
func WithPhase(p Phase) Option {
	return func(d *Driver) {
		d.phase = p
		d.phaseSet = true
	}
}

// WithGuard asks g before every operation that changes the instance.
func WithGuard(g Guard) Option {
	return func(d *Driver) { d.guard = g }
}

// WithReadyInterval sets the polling interval of WaitReady.
func WithReadyInterval(interval time.Duration) Option {
	return func(d *Driver) { d.readyInterval = interval }
}

// Driver drives one service instance on one target.
type Driver struct {
	mu sync.Mutex

	desc   Descriptor
	params Params
	layout Layout
	target remote.Target

	esc           shell.Escalator
	sub           script.Submitter
	fetcher       Fetcher
	recorder      Recorder
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	tracer        *telemetry.Tracer
	events        *telemetry.EventPublisher
	guard         Guard
	readyInterval time.Duration

	phase    Phase
	phaseSet bool
}

// New validates params and returns a driver for the instance. The starting
// phase comes from WithPhase, else the recorder, else PhaseUninstalled.
func New(ctx context.Context, desc Descriptor, params Params, target remote.Target, opts ...Option) (*Driver, error) {
	if desc == nil {
		return nil, errors.New("descriptor is required")
	}
	if target == nil {
		return nil, errors.New("target is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		desc:          desc,
		params:        params,
		layout:        NewLayout(params, desc.Kind()),
		target:        target,
		esc:           shell.Sudo{},
		logger:        log.Logger,
		readyInterval: time.Second,
		phase:         PhaseUninstalled,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().
		Str("instance", params.InstanceID).
		Str("kind", desc.Kind()).
		Str("target", target.Address()).
		Logger()

	if !d.phaseSet && d.recorder != nil {
		phase, ok, err := d.recorder.LastPhase(ctx, params.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load phase of %s: %w", params.InstanceID, err)
		}
		if ok {
			d.phase = phase
		}
	}

	return d, nil
}

// Phase returns the current lifecycle phase.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Layout returns the derived paths of the instance.
func (d *Driver) Layout() Layout {
	return d.layout
}

// Params returns a copy of the instance parameters.
func (d *Driver) Params() Params {
	return d.params
}

// Descriptor returns the service descriptor.
func (d *Driver) Descriptor() Descriptor {
	return d.desc
}

// Install finds or installs the service binaries and links their directory
// to Layout.BinDir. The script is queued on the instance's lane and awaited.
func (d *Driver) Install(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.install(ctx)
}

func (d *Driver) install(ctx context.Context) (err error) {
	ctx, end := d.operation(ctx, "install")
	defer func() { end(err) }()

	if err = d.authorize(ctx, "install"); err != nil {
		return err
	}

	if _, err = d.runStage(ctx, d.installScript(), runFailFast, true); err != nil {
		return err
	}
	if d.phase == PhaseUninstalled {
		d.setPhase(ctx, PhaseInstalled)
	}
	return nil
}

// Customize prepares the data directory, writes configuration and applies
// the creation script. The service is left stopped.
func (d *Driver) Customize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.customize(ctx)
}

func (d *Driver) customize(ctx context.Context) (err error) {
	ctx, end := d.operation(ctx, "customize")
	defer func() { end(err) }()

	if err = d.authorize(ctx, "customize"); err != nil {
		return err
	}

	if err = requirePhase("customize", d.phase, customizeFrom); err != nil {
		return err
	}
	if err = d.checkCreationScript(); err != nil {
		return err
	}

	if cmd := d.desc.DefaultInstanceStop(d.layout, d.esc); cmd != "" {
		b := d.newScript(script.Customizing, "stop-default-instance").Append(cmd)
		if _, err = d.runStage(ctx, b, runTolerant, false); err != nil {
			return err
		}
	}

	if _, err = d.runStage(ctx, d.prepareScript(), runFailFast, false); err != nil {
		return err
	}
	if err = d.copyCreationScript(ctx); err != nil {
		return err
	}
	if _, err = d.runStage(ctx, d.creationScript(), runFailFast, false); err != nil {
		return err
	}

	d.setPhase(ctx, PhaseCustomized)
	return nil
}

// Launch starts the service without waiting for it to accept clients.
func (d *Driver) Launch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launch(ctx)
}

func (d *Driver) launch(ctx context.Context) (err error) {
	ctx, end := d.operation(ctx, "launch")
	defer func() { end(err) }()

	if err = d.authorize(ctx, "launch"); err != nil {
		return err
	}

	if err = requirePhase("launch", d.phase, launchFrom); err != nil {
		return err
	}
	if _, err = d.runStage(ctx, d.launchScript(), runFailFast, false); err != nil {
		return err
	}
	d.metrics.SetServiceRunning(d.params.InstanceID, d.desc.Kind(), true)
	d.setPhase(ctx, PhaseRunning)
	return nil
}

// IsRunning runs the status command and reports whether it exited zero. It
// changes no driver state.
func (d *Driver) IsRunning(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning(ctx)
}

func (d *Driver) isRunning(ctx context.Context) (bool, error) {
	res, err := d.runStage(ctx, d.statusScript(), runQuery, false)
	if err != nil {
		return false, err
	}
	running := res.ExitCode == 0
	d.metrics.SetServiceRunning(d.params.InstanceID, d.desc.Kind(), running)
	return running, nil
}

// Stop stops the service and waits for it to exit. When the status command
// reports it is not running, Stop succeeds without issuing a stop.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop(ctx)
}

func (d *Driver) stop(ctx context.Context) (err error) {
	ctx, end := d.operation(ctx, "stop")
	defer func() { end(err) }()

	if err = d.authorize(ctx, "stop"); err != nil {
		return err
	}

	running, err := d.isRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		d.logger.Info().Msg("Service is not running, nothing to stop")
		if d.phase == PhaseRunning {
			d.setPhase(ctx, PhaseStopped)
		}
		return nil
	}

	if _, err = d.runStage(ctx, d.stopScript(), runFailFast, false); err != nil {
		return err
	}
	d.metrics.SetServiceRunning(d.params.InstanceID, d.desc.Kind(), false)
	d.setPhase(ctx, PhaseStopped)
	return nil
}

// Kill sends SIGKILL to the process recorded in the pid file and removes
// the file.
func (d *Driver) Kill(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, end := d.operation(ctx, "kill")
	defer func() { end(err) }()

	if err = d.authorize(ctx, "kill"); err != nil {
		return err
	}

	if _, err = d.runStage(ctx, d.killScript(), runFailFast, false); err != nil {
		return err
	}
	d.metrics.SetServiceRunning(d.params.InstanceID, d.desc.Kind(), false)
	if d.phase != PhaseUninstalled {
		d.setPhase(ctx, PhaseKilled)
	}
	return nil
}

// Start runs Install, Customize and Launch in order.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.install(ctx); err != nil {
		return err
	}
	if err := d.customize(ctx); err != nil {
		return err
	}
	return d.launch(ctx)
}

// Restart stops the service if it runs and launches it again.
func (d *Driver) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.stop(ctx); err != nil {
		return err
	}
	return d.launch(ctx)
}

// WaitReady polls the descriptor's readiness check until it succeeds or ctx ends.
// Descriptors without a readiness check are ready immediately.
func (d *Driver) WaitReady(ctx context.Context) error {
	checker, ok := d.desc.(ReadyChecker)
	if !ok {
		return nil
	}

	host := hostOf(d.target.Address())
	ticker := time.NewTicker(d.readyInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = checker.CheckReady(ctx, host, d.layout)
		if lastErr == nil {
			d.logger.Info().Str("host", host).Msg("Service is ready")
			return nil
		}
		d.logger.Debug().Err(lastErr).Msg("Service not ready yet")

		select {
		case <-ctx.Done():
			return fmt.Errorf("service %s not ready: %w", d.params.InstanceID, errors.Join(ctx.Err(), lastErr))
		case <-ticker.C:
		}
	}
}

// Plan returns every stage script the driver runs, in lifecycle order,
// without executing anything.
func (d *Driver) Plan() []script.Request {
	var reqs []script.Request
	reqs = append(reqs, d.installScript().Build())
	if cmd := d.desc.DefaultInstanceStop(d.layout, d.esc); cmd != "" {
		reqs = append(reqs, d.newScript(script.Customizing, "stop-default-instance").Append(cmd).Build())
	}
	return append(reqs,
		d.prepareScript().Build(),
		d.creationScript().Build(),
		d.launchScript().Build(),
		d.statusScript().Build(),
		d.stopScript().Build(),
		d.killScript().Build(),
	)
}

func (d *Driver) newScript(stage script.Stage, name string, opts ...script.Option) script.Builder {
	base := []script.Option{
		script.Named(name),
		script.WithEscalator(d.esc),
		script.WithLogger(d.logger),
	}
	return script.New(stage, append(base, opts...)...)
}

func (d *Driver) pidFileOptions() []script.Option {
	return []script.Option{
		script.UsePidFile(true),
		script.PidFile(d.desc.PidFile(d.layout), d.desc.ManagesPidFile()),
	}
}

func (d *Driver) installScript() script.Builder {
	recipe := d.desc.InstallRecipe(d.layout, d.esc)
	return d.newScript(script.Installing, "install").
		Append(
			shell.DontRequireTTYForSudo(d.esc),
			shell.MkdirP(d.layout.InstallDir),
			recipe.Discovery.Render(),
			recipe.Link.Render(),
		).
		FailOnNonZeroResultCode()
}

func (d *Driver) prepareScript() script.Builder {
	return d.newScript(script.Customizing, "prepare").
		Append(shell.MkdirP(d.layout.RunDir)).
		Append(d.desc.PrepareCommands(d.layout, d.esc)...).
		Append(confwriter.Render(d.esc, d.layout.User, d.desc.ConfigLines(d.layout))...).
		FailOnNonZeroResultCode()
}

func (d *Driver) creationScript() script.Builder {
	return d.newScript(script.Customizing, "creation-script").
		Append(
			d.desc.Control(d.layout, d.esc, ActionStart, true),
			d.desc.InitScriptCommand(d.layout, d.esc),
		).
		Finally(d.desc.Control(d.layout, d.esc, ActionStop, true)).
		FailOnNonZeroResultCode()
}

func (d *Driver) launchScript() script.Builder {
	return d.newScript(script.Launching, "launch", d.pidFileOptions()...).
		Append(d.desc.Control(d.layout, d.esc, ActionStart, false)).
		FailOnNonZeroResultCode()
}

func (d *Driver) statusScript() script.Builder {
	return d.newScript(script.CheckRunning, "status", script.UsePidFile(false)).
		Append(d.desc.Control(d.layout, d.esc, ActionStatus, false))
}

func (d *Driver) stopScript() script.Builder {
	return d.newScript(script.Stopping, "stop", script.UsePidFile(false)).
		Append(d.desc.Control(d.layout, d.esc, ActionStop, true)).
		FailOnNonZeroResultCode()
}

func (d *Driver) killScript() script.Builder {
	return d.newScript(script.Killing, "kill", d.pidFileOptions()...)
}

func (d *Driver) checkCreationScript() error {
	hasURL := d.params.CreationScriptURL != ""
	hasContents := d.params.CreationScriptContents != ""
	switch {
	case !hasURL && !hasContents:
		return configurationMissing("no creation script configured for %s: set a creation script url or contents", d.params.InstanceID)
	case hasURL && hasContents:
		return configurationMissing("both creation script url and contents are set for %s: set exactly one", d.params.InstanceID)
	case hasURL && d.fetcher == nil:
		return configurationMissing("creation script url %s set but no fetcher configured", d.params.CreationScriptURL)
	}
	return nil
}

func (d *Driver) copyCreationScript(ctx context.Context) error {
	dest := d.layout.CreationScript
	d.logger.Info().Str("path", dest).Msg("Copying creation script")

	var content io.Reader
	if ref := d.params.CreationScriptURL; ref != "" {
		rc, err := d.fetcher.Fetch(ctx, ref)
		if err != nil {
			return &StageError{
				Kind:     KindStageStepFailure,
				Stage:    script.Customizing,
				Step:     "fetch-creation-script",
				ExitCode: -1,
				Message:  "failed to fetch creation script " + ref,
				Err:      err,
			}
		}
		defer rc.Close()
		content = rc
	} else {
		content = strings.NewReader(d.params.CreationScriptContents)
	}

	if err := d.target.CopyTo(ctx, content, dest, 0644); err != nil {
		return &StageError{
			Kind:     KindRemoteChannelFailure,
			Stage:    script.Customizing,
			Step:     "copy-creation-script",
			ExitCode: -1,
			Message:  "failed to copy creation script to " + dest,
			Err:      err,
		}
	}
	return nil
}

// operation opens the span and log scope of one driver operation.
func (d *Driver) operation(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := d.tracer.StartOperationSpan(ctx, d.params.InstanceID, d.desc.Kind(), op)
	logger := d.logger.With().Str("operation", op).Logger()
	ctx = logger.WithContext(ctx)
	start := time.Now()

	logger.Info().Str("phase", d.phase.String()).Msg("Starting operation")

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			telemetry.RecordError(span, err)
			d.metrics.RecordError(string(KindOf(err)))
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Operation failed")
			return
		}
		telemetry.RecordSuccess(span)
		logger.Info().Str("phase", d.phase.String()).Dur("duration", time.Since(start)).Msg("Operation completed")
	}
}

func (d *Driver) setPhase(ctx context.Context, p Phase) {
	if d.phase == p {
		return
	}
	old := d.phase
	d.phase = p
	_ = d.events.PublishPhaseChanged(d.params.InstanceID, old.String(), p.String())

	if d.recorder == nil {
		return
	}
	err := d.recorder.SavePhase(ctx, InstanceState{
		InstanceID: d.params.InstanceID,
		Kind:       d.desc.Kind(),
		Host:       d.target.Address(),
		Phase:      p,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("phase", p.String()).Msg("Failed to save phase")
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ExitDiscoveryExhausted re-exports the chain sentinel for callers that
// map errors to process exit codes.
const ExitDiscoveryExhausted = chain.ExitDiscoveryExhausted
