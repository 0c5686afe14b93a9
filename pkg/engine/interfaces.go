package engine

import (
	"context"
)

// ReplicaMetadataReader reads the replica topology of a dataset.
type ReplicaMetadataReader interface {
	// QueryReplicaMetadata returns one row per replica of the dataset.
	// It returns an error satisfying IsNotFound or IsBadRequest when the dataset or
	// its replication metadata does not exist.
	QueryReplicaMetadata(ctx context.Context, project, dataset string) ([]ReplicaRow, error)
}

// DDLExecutor issues replica DDL.
type DDLExecutor interface {
	// IssueDDL executes a replica statement. It returns an error satisfying
	// IsAlreadyExists when the statement's target is already in place.
	IssueDDL(ctx context.Context, stmt DDLStatement) error
}

// DatasetStore reads and writes live dataset attributes.
type DatasetStore interface {
	// GetDataset returns the live dataset or an error satisfying IsNotFound.
	GetDataset(ctx context.Context, project, dataset string) (*Dataset, error)

	// CreateDataset creates the dataset. It returns an error satisfying
	// IsAlreadyExists when the dataset exists.
	CreateDataset(ctx context.Context, ds *Dataset) (*Dataset, error)

	// UpdateDataset writes location-independent attributes and access entries.
	// A non-empty ds.ETag is sent as a precondition; a stale one yields an error
	// satisfying IsPreconditionFailed.
	UpdateDataset(ctx context.Context, ds *Dataset) (*Dataset, error)
}

// Warehouse is the full collaborator contract consumed by the reconcilers.
type Warehouse interface {
	ReplicaMetadataReader
	DDLExecutor
	DatasetStore

	// Name identifies the backend in logs and metrics (e.g., "bigquery", "memory").
	Name() string
}

// RunRecorder persists run reports. Implementations must be safe for concurrent use.
type RunRecorder interface {
	// SaveRun persists a finished run.
	SaveRun(ctx context.Context, run *RunReport) error

	// LastAppliedHash returns the content hash recorded by the last fully
	// converged apply of the dataset, or "" when none exists.
	LastAppliedHash(ctx context.Context, project, dataset string) (string, error)

	// MarkApplied records hash as the last fully converged configuration.
	MarkApplied(ctx context.Context, project, dataset, hash string) error
}
