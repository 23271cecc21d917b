package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/procdriver/pkg/descriptors/postgres"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/remote/remotetest"
	"github.com/openfroyo/procdriver/pkg/script"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"instances", "stage_runs"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected error when migrating an uninitialized store")
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatal(err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		return store
	}

	first := open()
	if err := first.SavePhase(ctx, driver.InstanceState{
		InstanceID: "pg-1", Kind: "postgresql", Host: "db1", Phase: driver.PhaseRunning,
	}); err != nil {
		t.Fatalf("failed to save phase: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := open()
	defer second.Close()

	phase, ok, err := second.LastPhase(ctx, "pg-1")
	if err != nil {
		t.Fatalf("failed to load phase: %v", err)
	}
	if !ok || phase != driver.PhaseRunning {
		t.Errorf("expected running phase after reopen, got %q (found=%t)", phase, ok)
	}
}

func TestInstanceCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst := &Instance{ID: "pg-1", Kind: "postgresql", Host: "db1"}
	if err := store.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("failed to upsert instance: %v", err)
	}
	if inst.Phase != driver.PhaseUninstalled {
		t.Errorf("expected default phase %s, got %s", driver.PhaseUninstalled, inst.Phase)
	}

	got, err := store.GetInstance(ctx, "pg-1")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	if got.Kind != "postgresql" || got.Host != "db1" {
		t.Errorf("unexpected instance: %+v", got)
	}

	inst.Phase = driver.PhaseInstalled
	inst.Host = "db2"
	if err := store.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}

	got, err = store.GetInstance(ctx, "pg-1")
	if err != nil {
		t.Fatalf("failed to get updated instance: %v", err)
	}
	if got.Phase != driver.PhaseInstalled || got.Host != "db2" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := store.UpsertInstance(ctx, &Instance{ID: "pg-0", Kind: "postgresql", Host: "db0"}); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListInstances(ctx)
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(list) != 2 || list[0].ID != "pg-0" || list[1].ID != "pg-1" {
		t.Errorf("unexpected listing: %v", list)
	}

	if err := store.DeleteInstance(ctx, "pg-1"); err != nil {
		t.Fatalf("failed to delete instance: %v", err)
	}
	if _, err := store.GetInstance(ctx, "pg-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteInstance(ctx, "pg-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStageRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertInstance(ctx, &Instance{ID: "pg-1", Kind: "postgresql", Host: "db1"}); err != nil {
		t.Fatal(err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	stages := []script.Stage{script.Installing, script.Customizing, script.Launching}
	for i, stage := range stages {
		run := &StageRun{
			InstanceID: "pg-1",
			Stage:      stage,
			Name:       string(stage),
			Status:     driver.StatusSucceeded,
			StartedAt:  started.Add(time.Duration(i) * time.Second),
			Duration:   1500 * time.Millisecond,
		}
		if err := store.CreateStageRun(ctx, run); err != nil {
			t.Fatalf("failed to create stage run: %v", err)
		}
		if run.ID == "" {
			t.Fatal("expected generated ID")
		}
	}

	runs, err := store.ListStageRuns(ctx, "pg-1", 10, 0)
	if err != nil {
		t.Fatalf("failed to list stage runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].Stage != script.Launching || runs[2].Stage != script.Installing {
		t.Errorf("expected newest first, got %s..%s", runs[0].Stage, runs[2].Stage)
	}
	if runs[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %s", runs[0].Duration)
	}

	page, err := store.ListStageRuns(ctx, "pg-1", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Stage != script.Customizing {
		t.Errorf("unexpected page: %v", page)
	}

	got, err := store.GetStageRun(ctx, runs[1].ID)
	if err != nil {
		t.Fatalf("failed to get stage run: %v", err)
	}
	if got.Name != string(script.Customizing) || got.Error != nil {
		t.Errorf("unexpected stage run: %+v", got)
	}

	if _, err := store.GetStageRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStageRunConstraints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	orphan := &StageRun{
		InstanceID: "nobody",
		Stage:      script.Installing,
		Name:       "installing",
		Status:     driver.StatusSucceeded,
		StartedAt:  time.Now(),
	}
	if err := store.CreateStageRun(ctx, orphan); err == nil {
		t.Error("expected foreign key violation for unknown instance")
	}

	if err := store.UpsertInstance(ctx, &Instance{ID: "pg-1", Kind: "postgresql", Host: "db1"}); err != nil {
		t.Fatal(err)
	}
	bad := &StageRun{
		InstanceID: "pg-1",
		Stage:      script.Installing,
		Name:       "installing",
		Status:     "exploded",
		StartedAt:  time.Now(),
	}
	if err := store.CreateStageRun(ctx, bad); err == nil {
		t.Error("expected check constraint violation for unknown status")
	}
}

func TestDeleteInstanceCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertInstance(ctx, &Instance{ID: "pg-1", Kind: "postgresql", Host: "db1"}); err != nil {
		t.Fatal(err)
	}
	run := &StageRun{
		InstanceID: "pg-1",
		Stage:      script.Installing,
		Name:       "installing",
		Status:     driver.StatusSucceeded,
		StartedAt:  time.Now(),
	}
	if err := store.CreateStageRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteInstance(ctx, "pg-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetStageRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected stage run to be deleted with its instance, got %v", err)
	}
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastPhase(ctx, "pg-1"); err != nil || ok {
		t.Fatalf("expected unknown instance, got ok=%t err=%v", ok, err)
	}

	rec := driver.StageRecord{
		InstanceID: "pg-1",
		Kind:       "postgresql",
		Host:       "db1",
		Stage:      script.Customizing,
		Name:       "prepare",
		Status:     driver.StatusFailed,
		ExitCode:   2,
		Error:      "prepare failed with exit code 2",
		Stderr:     "initdb: error",
		StartedAt:  time.Now(),
		Duration:   time.Second,
	}
	if err := store.RecordStage(ctx, rec); err != nil {
		t.Fatalf("failed to record stage: %v", err)
	}

	inst, err := store.GetInstance(ctx, "pg-1")
	if err != nil {
		t.Fatalf("expected instance to be created by RecordStage: %v", err)
	}
	if inst.Phase != driver.PhaseUninstalled {
		t.Errorf("RecordStage must not change the phase, got %s", inst.Phase)
	}

	runs, err := store.ListStageRuns(ctx, "pg-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Error == nil || *runs[0].Error != rec.Error || runs[0].ExitCode != 2 {
		t.Errorf("unexpected stage run: %+v", runs[0])
	}

	if err := store.SavePhase(ctx, driver.InstanceState{
		InstanceID: "pg-1", Kind: "postgresql", Host: "db1", Phase: driver.PhaseCustomized,
	}); err != nil {
		t.Fatalf("failed to save phase: %v", err)
	}
	if err := store.RecordStage(ctx, rec); err != nil {
		t.Fatal(err)
	}

	phase, ok, err := store.LastPhase(ctx, "pg-1")
	if err != nil || !ok {
		t.Fatalf("expected phase, got ok=%t err=%v", ok, err)
	}
	if phase != driver.PhaseCustomized {
		t.Errorf("expected %s, got %s", driver.PhaseCustomized, phase)
	}
}

func TestDriverRecordsIntoStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	params := driver.Params{
		InstanceID: "pg-1",
		InstallDir: "/opt/pg",
		RunDir:     "/var/run/pg",
		Port:       5432,
		User:       "postgres",
	}
	target := remotetest.New()

	d, err := driver.New(ctx, postgres.New(), params, target,
		driver.WithRecorder(store),
		driver.WithEscalator(shell.NoEscalation{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	// A fresh driver resumes from the stored phase.
	resumed, err := driver.New(ctx, postgres.New(), params, target, driver.WithRecorder(store))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Phase() != driver.PhaseInstalled {
		t.Errorf("expected resumed phase %s, got %s", driver.PhaseInstalled, resumed.Phase())
	}

	runs, err := store.ListStageRuns(ctx, "pg-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Stage != script.Installing || runs[0].Status != driver.StatusSucceeded {
		t.Errorf("unexpected recorded runs: %s", describe(runs))
	}
}

func describe(runs []*StageRun) string {
	s := ""
	for _, r := range runs {
		s += fmt.Sprintf("[%s %s %s] ", r.Stage, r.Name, r.Status)
	}
	return s
}
