package stores

import (
	"context"
	"time"

	"github.com/openfroyo/dsync/pkg/engine"
)

// RunRecord is the stored summary of a run.
type RunRecord struct {
	ID          string            `json:"id"`
	Project     string            `json:"project"`
	DryRun      bool              `json:"dry_run"`
	Status      engine.RunStatus  `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Summary     engine.RunSummary `json:"summary"`
}

// AppliedConfig is the last fully converged configuration of a dataset.
type AppliedConfig struct {
	Project    string    `json:"project"`
	Dataset    string    `json:"dataset"`
	ConfigHash string    `json:"config_hash"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Event is a persisted telemetry event.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Dataset   string    `json:"dataset,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	engine.RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run history
	GetRun(ctx context.Context, id string) (*engine.RunReport, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Applied configurations
	ListAppliedConfigs(ctx context.Context) ([]*AppliedConfig, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]*Event, error)
}
