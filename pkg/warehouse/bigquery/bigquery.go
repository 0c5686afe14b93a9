// Package bigquery implements engine.Warehouse on top of the BigQuery client.
//
// Replica topology is read from INFORMATION_SCHEMA.SCHEMATA_REPLICAS and changed
// with ALTER SCHEMA statements run as query jobs. Dataset attributes and access
// entries go through the dataset metadata API with ETag preconditions.
package bigquery

import (
	"context"
	"errors"
	"fmt"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Config holds the client settings.
type Config struct {
	// Project is the billing and default project.
	Project string

	// Location is the default job location (e.g., "US", "EU").
	Location string

	// CredentialsFile is a service account key file; empty uses application default credentials.
	CredentialsFile string

	// Endpoint overrides the API endpoint, for emulators.
	Endpoint string
}

// Warehouse talks to BigQuery.
type Warehouse struct {
	client *bq.Client
	logger *telemetry.Logger
}

var _ engine.Warehouse = (*Warehouse)(nil)

// New creates a BigQuery-backed warehouse.
func New(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Warehouse, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("bigquery: project is required")
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := bq.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: create client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}

	return &Warehouse{
		client: client,
		logger: logger.NewComponentLogger("bigquery"),
	}, nil
}

// Name implements engine.Warehouse.
func (w *Warehouse) Name() string {
	return "bigquery"
}

// Close releases the client.
func (w *Warehouse) Close() error {
	return w.client.Close()
}

type replicaRow struct {
	Location  string      `bigquery:"replica_location"`
	IsPrimary bq.NullBool `bigquery:"is_primary_replica"`
}

// replicaQuery selects the replica rows of one schema.
func replicaQuery(project, dataset string) string {
	return fmt.Sprintf(
		"SELECT replica_location, is_primary_replica FROM `%s`.INFORMATION_SCHEMA.SCHEMATA_REPLICAS WHERE schema_name = @schema",
		engine.DatasetRef(project, dataset),
	)
}

// QueryReplicaMetadata implements engine.ReplicaMetadataReader.
func (w *Warehouse) QueryReplicaMetadata(ctx context.Context, project, dataset string) ([]engine.ReplicaRow, error) {
	ref := engine.DatasetRef(project, dataset)

	q := w.client.Query(replicaQuery(project, dataset))
	q.Parameters = []bq.QueryParameter{{Name: "schema", Value: dataset}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify(err, "query replica metadata", ref)
	}

	rows := make([]engine.ReplicaRow, 0)
	for {
		var row replicaRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(err, "read replica metadata", ref)
		}
		rows = append(rows, engine.ReplicaRow{
			Location:  row.Location,
			IsPrimary: row.IsPrimary.Valid && row.IsPrimary.Bool,
		})
	}

	return rows, nil
}

// IssueDDL implements engine.DDLExecutor.
func (w *Warehouse) IssueDDL(ctx context.Context, stmt engine.DDLStatement) error {
	ref := engine.DatasetRef(stmt.Project, stmt.Dataset)
	sql := stmt.SQL()
	if sql == "" {
		return engine.NewBadRequestError(fmt.Sprintf("unsupported statement kind %q", stmt.Kind), nil).WithResource(ref)
	}

	w.logger.WithField("sql", sql).Debug("Issuing DDL")

	job, err := w.client.Query(sql).Run(ctx)
	if err != nil {
		return classify(err, string(stmt.Kind), ref)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(err, string(stmt.Kind), ref)
	}
	if err := status.Err(); err != nil {
		return classify(err, string(stmt.Kind), ref)
	}
	return nil
}

// GetDataset implements engine.DatasetStore.
func (w *Warehouse) GetDataset(ctx context.Context, project, dataset string) (*engine.Dataset, error) {
	md, err := w.client.DatasetInProject(project, dataset).Metadata(ctx)
	if err != nil {
		return nil, classify(err, "get dataset", engine.DatasetRef(project, dataset))
	}
	return toDataset(project, dataset, md), nil
}

// CreateDataset implements engine.DatasetStore.
func (w *Warehouse) CreateDataset(ctx context.Context, ds *engine.Dataset) (*engine.Dataset, error) {
	md, err := toMetadata(ds)
	if err != nil {
		return nil, err
	}
	handle := w.client.DatasetInProject(ds.Project, ds.DatasetID)
	if err := handle.Create(ctx, md); err != nil {
		return nil, classify(err, "create dataset", ds.Ref())
	}
	return w.GetDataset(ctx, ds.Project, ds.DatasetID)
}

// UpdateDataset implements engine.DatasetStore. Labels missing from ds are
// deleted; location cannot be changed and is ignored.
func (w *Warehouse) UpdateDataset(ctx context.Context, ds *engine.Dataset) (*engine.Dataset, error) {
	handle := w.client.DatasetInProject(ds.Project, ds.DatasetID)

	current, err := handle.Metadata(ctx)
	if err != nil {
		return nil, classify(err, "get dataset", ds.Ref())
	}

	upd, err := toUpdate(ds, current.Labels)
	if err != nil {
		return nil, err
	}

	md, err := handle.Update(ctx, upd, ds.ETag)
	if err != nil {
		return nil, classify(err, "update dataset", ds.Ref())
	}
	return toDataset(ds.Project, ds.DatasetID, md), nil
}
