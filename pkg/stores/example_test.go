package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/script"
	"github.com/openfroyo/procdriver/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordStage shows the store acting as a driver.Recorder.
func ExampleSQLiteStore_RecordStage() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	var rec driver.Recorder = store
	_ = rec.RecordStage(ctx, driver.StageRecord{
		InstanceID: "pg-1",
		Kind:       "postgresql",
		Host:       "db1",
		Stage:      script.Installing,
		Name:       "installing",
		Status:     driver.StatusSucceeded,
		StartedAt:  time.Now(),
	})
	_ = rec.SavePhase(ctx, driver.InstanceState{
		InstanceID: "pg-1", Kind: "postgresql", Host: "db1", Phase: driver.PhaseInstalled,
	})

	runs, _ := store.ListStageRuns(ctx, "pg-1", 10, 0)
	phase, _, _ := rec.LastPhase(ctx, "pg-1")
	fmt.Println(len(runs), runs[0].Status, phase)
	// Output: 1 succeeded installed
}
