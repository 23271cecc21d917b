package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/config"
	"github.com/openfroyo/procdriver/pkg/descriptors/postgres"
	"github.com/openfroyo/procdriver/pkg/descriptors/starlarkdesc"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/fetch"
	"github.com/openfroyo/procdriver/pkg/policy"
	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/scheduler"
	"github.com/openfroyo/procdriver/pkg/shell"
	"github.com/openfroyo/procdriver/pkg/stores"
	"github.com/openfroyo/procdriver/pkg/telemetry"
	"github.com/openfroyo/procdriver/pkg/transports/ssh"
)

// session holds everything one command invocation needs to drive an
// instance. close releases it in reverse order of construction.
type session struct {
	cfg    *config.Config
	logger zerolog.Logger

	tel           *telemetry.Telemetry
	metricsServer *http.Server
	fetcher       *fetch.Fetcher
	target        remote.Target
	sshClient     *ssh.SSHClient
	esc           shell.Escalator
	desc          driver.Descriptor
	store         *stores.SQLiteStore
	guard         *policy.Engine
	queue         *scheduler.Queue
	driver        *driver.Driver
}

// sessionOptions selects the parts a command needs.
type sessionOptions struct {
	// offline skips the target connection, the store and the task queue.
	offline bool
	verbose bool
	version string
}

func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (s *session, err error) {
	s = &session{cfg: cfg}
	defer func() {
		if err != nil {
			s.close(context.WithoutCancel(ctx))
		}
	}()

	s.tel, err = telemetry.NewTelemetry(cfg.Telemetry(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = s.tel.Logger.Zerolog()
	s.logger = s.tel.Logger.NewComponentLogger("cli").
		WithInstance(cfg.Service.InstanceID).
		WithTarget(targetName(cfg)).
		Zerolog()
	if opts.verbose {
		s.tel.Events.Subscribe(func(e telemetry.Event) {
			s.logger.Info().Str("event", e.Type).Str("stage", e.Stage).Msg(e.Message)
		}, telemetry.FilterByInstance(cfg.Service.InstanceID))
	}
	s.metricsServer = s.tel.Metrics.StartMetricsServer()

	s.fetcher, err = newFetcher(ctx, cfg, s.logger)
	if err != nil {
		return nil, err
	}

	s.esc, err = cfg.Escalator()
	if err != nil {
		return nil, err
	}

	s.desc, err = newDescriptor(ctx, cfg, s.fetcher, s.esc, s.logger)
	if err != nil {
		return nil, err
	}

	if cfg.StoreEnabled() && !opts.offline {
		s.store, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	if opts.offline {
		s.target = offlineTarget{address: cfg.Target.Host}
	} else {
		if err = s.connect(); err != nil {
			return nil, err
		}
		if cfg.PolicyEnabled() {
			s.guard, err = newPolicyEngine(ctx, cfg, s.logger)
			if err != nil {
				return nil, err
			}
		}
		qcfg := cfg.Queue()
		qcfg.Logger = &s.logger
		qcfg.Recorder = s.tel.Metrics
		s.queue = scheduler.NewQueue(qcfg)
	}

	driverOpts := []driver.Option{
		driver.WithEscalator(s.esc),
		driver.WithFetcher(s.fetcher),
		driver.WithLogger(s.logger),
		driver.WithMetrics(s.tel.Metrics),
		driver.WithTracer(s.tel.Tracer),
		driver.WithEvents(s.tel.Events),
		driver.WithReadyInterval(cfg.Service.ReadyInterval),
	}
	if s.queue != nil {
		driverOpts = append(driverOpts, driver.WithSubmitter(s.queue))
	}
	if s.store != nil {
		driverOpts = append(driverOpts, driver.WithRecorder(s.store))
	}
	if s.guard != nil {
		driverOpts = append(driverOpts, driver.WithGuard(s.guard))
	}

	s.driver, err = driver.New(ctx, s.desc, cfg.Params(), s.target, driverOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) connect() error {
	if s.cfg.Target.Local {
		local, err := remote.NewLocal()
		if err != nil {
			return err
		}
		s.target = local
		return nil
	}
	client, err := ssh.NewSSHClient(s.cfg.SSH(), ssh.WithLogger(s.logger))
	if err != nil {
		return err
	}
	// The connection itself is dialed by the first script.
	s.sshClient = client
	s.target = client
	return nil
}

func (s *session) close(ctx context.Context) {
	if s.queue != nil {
		if err := s.queue.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Task queue did not drain")
		}
	}
	if s.sshClient != nil && s.sshClient.IsConnected() {
		if err := s.sshClient.Disconnect(); err != nil {
			s.logger.Debug().Err(err).Msg("SSH disconnect failed")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := telemetry.StopMetricsServer(ctx, s.metricsServer); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop metrics server")
	}
	if s.tel != nil {
		if err := s.tel.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	var opts []policy.Option
	if !cfg.Policy.Builtin {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return eng, nil
}

func newFetcher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*fetch.Fetcher, error) {
	opts := []fetch.Option{fetch.WithLogger(logger)}
	if cfg.S3Configured() {
		client, err := fetch.NewS3Client(ctx, cfg.S3Client())
		if err != nil {
			return nil, err
		}
		opts = append(opts, fetch.WithS3(client))
	}
	return fetch.New(opts...), nil
}

func newDescriptor(ctx context.Context, cfg *config.Config, fetcher *fetch.Fetcher, esc shell.Escalator, logger zerolog.Logger) (driver.Descriptor, error) {
	svc := cfg.Service
	switch svc.Kind {
	case "postgres":
		var opts []postgres.Option
		if len(svc.Locations) > 0 {
			opts = append(opts, postgres.WithLocations(chain.Candidates(svc.Locations)))
		}
		if svc.ListenAddresses != "" {
			opts = append(opts, postgres.WithListenAddresses(svc.ListenAddresses))
		}
		if svc.HBARule != "" {
			opts = append(opts, postgres.WithHBARule(svc.HBARule))
		}
		if svc.CheckUser != "" || svc.CheckPassword != "" || svc.CheckDatabase != "" {
			opts = append(opts, postgres.WithCheckCredentials(svc.CheckUser, svc.CheckPassword, svc.CheckDatabase))
		}
		return postgres.New(opts...), nil

	case "starlark":
		return loadStarlark(ctx, cfg, fetcher, esc, logger)

	default:
		return nil, fmt.Errorf("unknown service kind: %s", svc.Kind)
	}
}

// loadStarlark loads the configured descriptor and runs every hook once
// against the instance layout, so script errors surface before any stage.
func loadStarlark(ctx context.Context, cfg *config.Config, fetcher *fetch.Fetcher, esc shell.Escalator, logger zerolog.Logger) (*starlarkdesc.Descriptor, error) {
	vars := make(map[string]interface{}, len(cfg.Service.Vars))
	for k, v := range cfg.Service.Vars {
		vars[k] = v
	}

	desc, err := starlarkdesc.LoadFile(ctx, fetcher, cfg.Service.Descriptor,
		starlarkdesc.WithVars(vars),
		starlarkdesc.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if err := desc.Check(driver.NewLayout(cfg.Params(), desc.Kind()), esc); err != nil {
		return nil, err
	}
	return desc, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	path := cfg.Store.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(cfg.SQLite())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// offlineTarget stands in for the target when a command only renders
// scripts. Running anything on it is an error.
type offlineTarget struct {
	address string
}

var errOffline = errors.New("no target connection in offline mode")

func (t offlineTarget) Exec(context.Context, remote.Command) (*remote.Result, error) {
	return nil, errOffline
}

func (t offlineTarget) CopyTo(context.Context, io.Reader, string, os.FileMode) error {
	return errOffline
}

func (t offlineTarget) Address() string {
	if t.address == "" {
		return "offline"
	}
	return t.address
}

// targetName names the target in logs and policy input.
func targetName(cfg *config.Config) string {
	if cfg.Target.Local {
		return "local"
	}
	return cfg.Target.Host
}
