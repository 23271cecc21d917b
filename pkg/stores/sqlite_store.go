package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/procdriver/pkg/driver"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertInstance creates the instance or updates its kind, host and phase.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, inst *Instance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.Phase == "" {
		inst.Phase = driver.PhaseUninstalled
	}

	query := `
		INSERT INTO instances (id, kind, host, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			host = excluded.host,
			phase = excluded.phase,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Kind,
		inst.Host,
		inst.Phase,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}

	return nil
}

// touchInstance makes sure the instance row exists without changing its
// phase.
func touchInstance(ctx context.Context, ex execer, id, kind, host string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO instances (id, kind, host, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			host = excluded.host,
			updated_at = excluded.updated_at
	`
	if _, err := ex.ExecContext(ctx, query, id, kind, host, driver.PhaseUninstalled, now, now); err != nil {
		return fmt.Errorf("failed to touch instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `
		SELECT id, kind, host, phase, created_at, updated_at
		FROM instances
		WHERE id = ?
	`

	inst := &Instance{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inst.ID,
		&inst.Kind,
		&inst.Host,
		&inst.Phase,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return inst, nil
}

// ListInstances lists every instance ordered by ID.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	query := `
		SELECT id, kind, host, phase, created_at, updated_at
		FROM instances
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		inst := &Instance{}
		if err := rows.Scan(
			&inst.ID,
			&inst.Kind,
			&inst.Host,
			&inst.Phase,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// DeleteInstance deletes an instance and its stage runs.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}

	return nil
}

// CreateStageRun inserts a stage run. An empty ID is filled with a new
// UUID.
func (s *SQLiteStore) CreateStageRun(ctx context.Context, run *StageRun) error {
	return createStageRun(ctx, s.db, run)
}

func createStageRun(ctx context.Context, ex execer, run *StageRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO stage_runs (
			id, instance_id, stage, name, status, exit_code, error,
			stdout, stderr, started_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		run.ID,
		run.InstanceID,
		run.Stage,
		run.Name,
		run.Status,
		run.ExitCode,
		run.Error,
		run.Stdout,
		run.Stderr,
		run.StartedAt.UTC(),
		run.Duration.Milliseconds(),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create stage run: %w", err)
	}

	return nil
}

const stageRunColumns = `id, instance_id, stage, name, status, exit_code, error,
	stdout, stderr, started_at, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStageRun(row scanner) (*StageRun, error) {
	run := &StageRun{}
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.InstanceID,
		&run.Stage,
		&run.Name,
		&run.Status,
		&run.ExitCode,
		&run.Error,
		&run.Stdout,
		&run.Stderr,
		&run.StartedAt,
		&durationMS,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetStageRun retrieves a stage run by ID
func (s *SQLiteStore) GetStageRun(ctx context.Context, id string) (*StageRun, error) {
	query := `SELECT ` + stageRunColumns + ` FROM stage_runs WHERE id = ?`

	run, err := scanStageRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage run: %w", err)
	}

	return run, nil
}

// ListStageRuns lists the stage runs of an instance, newest first.
func (s *SQLiteStore) ListStageRuns(ctx context.Context, instanceID string, limit, offset int) ([]*StageRun, error) {
	query := `SELECT ` + stageRunColumns + `
		FROM stage_runs
		WHERE instance_id = ?
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, instanceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs: %w", err)
	}
	defer rows.Close()

	runs := []*StageRun{}
	for rows.Next() {
		run, err := scanStageRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage runs: %w", err)
	}

	return runs, nil
}

// RecordStage implements driver.Recorder. The instance row is created on
// first use.
func (s *SQLiteStore) RecordStage(ctx context.Context, rec driver.StageRecord) error {
	run := &StageRun{
		InstanceID: rec.InstanceID,
		Stage:      rec.Stage,
		Name:       rec.Name,
		Status:     rec.Status,
		ExitCode:   rec.ExitCode,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		StartedAt:  rec.StartedAt,
		Duration:   rec.Duration,
	}
	if rec.Error != "" {
		run.Error = &rec.Error
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchInstance(ctx, tx, rec.InstanceID, rec.Kind, rec.Host); err != nil {
			return err
		}
		return createStageRun(ctx, tx, run)
	})
}

// SavePhase implements driver.Recorder.
func (s *SQLiteStore) SavePhase(ctx context.Context, state driver.InstanceState) error {
	return s.UpsertInstance(ctx, &Instance{
		ID:    state.InstanceID,
		Kind:  state.Kind,
		Host:  state.Host,
		Phase: state.Phase,
	})
}

// LastPhase implements driver.Recorder.
func (s *SQLiteStore) LastPhase(ctx context.Context, instanceID string) (driver.Phase, bool, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	phase, err := driver.ParsePhase(string(inst.Phase))
	if err != nil {
		return "", false, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	return phase, true, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
