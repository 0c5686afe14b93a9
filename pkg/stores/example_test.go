package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
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

// ExampleSQLiteStore_SaveRun demonstrates recording a run and reading it back.
func ExampleSQLiteStore_SaveRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	report := engine.NewReport("my-project.analytics")
	report.Add(engine.StepResult{
		Operation: engine.OperationAddReplica,
		Target:    "us-east1",
		Status:    engine.StepStatusSucceeded,
	})

	run := &engine.RunReport{
		ID:        "run-001",
		Project:   "my-project",
		StartedAt: time.Now(),
		Datasets: []engine.DatasetResult{
			{Name: "analytics", ConfigHash: "3f1c0d2e9a7b5c41", Report: report},
		},
	}
	run.Finalize(time.Now())

	if err := store.SaveRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	saved, _ := store.GetRun(ctx, "run-001")
	fmt.Println(saved.Status, saved.Summary.Mutations, saved.Datasets[0].Report.Operations())
	// Output: succeeded 1 [add_replica:us-east1]
}

// ExampleSQLiteStore_MarkApplied demonstrates tracking applied configuration hashes.
func ExampleSQLiteStore_MarkApplied() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.MarkApplied(ctx, "my-project", "analytics", "3f1c0d2e9a7b5c41")

	hash, _ := store.LastAppliedHash(ctx, "my-project", "analytics")
	fmt.Println(hash)
	// Output: 3f1c0d2e9a7b5c41
}
