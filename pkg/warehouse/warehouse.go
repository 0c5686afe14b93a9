// Package warehouse opens warehouse backends and wraps them with retries,
// metrics and tracing.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
	"github.com/openfroyo/dsync/pkg/warehouse/bigquery"
	"github.com/openfroyo/dsync/pkg/warehouse/memory"
)

// Backend names.
const (
	BackendBigQuery = "bigquery"
	BackendMemory   = "memory"
)

// Method names used as metric and span labels.
const (
	MethodQueryReplicaMetadata = "query_replica_metadata"
	MethodIssueDDL             = "issue_ddl"
	MethodGetDataset           = "get_dataset"
	MethodCreateDataset        = "create_dataset"
	MethodUpdateDataset        = "update_dataset"
)

// Options configures a backend.
type Options struct {
	// Backend selects the implementation ("bigquery" or "memory").
	Backend string

	// BigQuery holds the client settings for the bigquery backend.
	BigQuery bigquery.Config

	// MaxRetries is the number of retries for transient and throttled failures.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay. Throttled failures wait five times longer.
	RetryBaseDelay time.Duration
}

// Handle is an opened warehouse and its release function.
type Handle struct {
	engine.Warehouse
	close func() error
}

// Close releases the backend.
func (h *Handle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// Open creates the configured backend wrapped in an Instrumented warehouse.
func Open(ctx context.Context, opts Options, logger *telemetry.Logger) (*Handle, error) {
	var (
		w     engine.Warehouse
		close func() error
	)

	switch opts.Backend {
	case BackendBigQuery:
		bq, err := bigquery.New(ctx, opts.BigQuery, logger)
		if err != nil {
			return nil, err
		}
		w, close = bq, bq.Close
	case BackendMemory, "":
		w = memory.New()
	default:
		return nil, fmt.Errorf("unsupported warehouse backend: %s", opts.Backend)
	}

	return &Handle{
		Warehouse: NewInstrumented(w, opts.MaxRetries, opts.RetryBaseDelay, logger),
		close:     close,
	}, nil
}

// Instrumented decorates a warehouse with retries, metrics and spans. The
// telemetry bundle is taken from the call context.
type Instrumented struct {
	inner      engine.Warehouse
	maxRetries int
	baseDelay  time.Duration
	logger     *telemetry.Logger
}

var _ engine.Warehouse = (*Instrumented)(nil)

// NewInstrumented wraps w.
func NewInstrumented(w engine.Warehouse, maxRetries int, baseDelay time.Duration, logger *telemetry.Logger) *Instrumented {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Instrumented{
		inner:      w,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger.NewComponentLogger("warehouse").WithBackend(w.Name()),
	}
}

// Name implements engine.Warehouse.
func (w *Instrumented) Name() string {
	return w.inner.Name()
}

// Unwrap returns the decorated warehouse.
func (w *Instrumented) Unwrap() engine.Warehouse {
	return w.inner
}

// QueryReplicaMetadata implements engine.ReplicaMetadataReader.
func (w *Instrumented) QueryReplicaMetadata(ctx context.Context, project, dataset string) ([]engine.ReplicaRow, error) {
	var rows []engine.ReplicaRow
	err := w.call(ctx, MethodQueryReplicaMetadata, engine.DatasetRef(project, dataset), func(ctx context.Context) error {
		var err error
		rows, err = w.inner.QueryReplicaMetadata(ctx, project, dataset)
		return err
	})
	return rows, err
}

// IssueDDL implements engine.DDLExecutor.
func (w *Instrumented) IssueDDL(ctx context.Context, stmt engine.DDLStatement) error {
	target := engine.DatasetRef(stmt.Project, stmt.Dataset) + "/" + stmt.Region
	return w.call(ctx, MethodIssueDDL, target, func(ctx context.Context) error {
		return w.inner.IssueDDL(ctx, stmt)
	})
}

// GetDataset implements engine.DatasetStore.
func (w *Instrumented) GetDataset(ctx context.Context, project, dataset string) (*engine.Dataset, error) {
	var ds *engine.Dataset
	err := w.call(ctx, MethodGetDataset, engine.DatasetRef(project, dataset), func(ctx context.Context) error {
		var err error
		ds, err = w.inner.GetDataset(ctx, project, dataset)
		return err
	})
	return ds, err
}

// CreateDataset implements engine.DatasetStore.
func (w *Instrumented) CreateDataset(ctx context.Context, in *engine.Dataset) (*engine.Dataset, error) {
	var ds *engine.Dataset
	err := w.call(ctx, MethodCreateDataset, in.Ref(), func(ctx context.Context) error {
		var err error
		ds, err = w.inner.CreateDataset(ctx, in)
		return err
	})
	return ds, err
}

// UpdateDataset implements engine.DatasetStore. A precondition failure is a
// conflict and is never retried here.
func (w *Instrumented) UpdateDataset(ctx context.Context, in *engine.Dataset) (*engine.Dataset, error) {
	var ds *engine.Dataset
	err := w.call(ctx, MethodUpdateDataset, in.Ref(), func(ctx context.Context) error {
		var err error
		ds, err = w.inner.UpdateDataset(ctx, in)
		return err
	})
	return ds, err
}

// Retry delays.
const (
	maxRetryDelay  = time.Minute
	throttleFactor = 5
)

// call runs fn with retries on transient and throttled failures. Conflicts
// carry meaning for the reconcilers (already exists, stale ETag) and are
// returned as is.
func (w *Instrumented) call(ctx context.Context, method, target string, fn func(context.Context) error) error {
	maxRetries := w.maxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	b := newRetryBackOff(w.baseDelay)
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := telemetry.RecordWarehouseCall(ctx, w.inner.Name(), method, target, classOf, fn)
		if err != nil && !shouldRetry(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		b.throttled = engine.IsThrottled(err)
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			w.logger.WithError(err).WithFields(map[string]interface{}{
				"method":  method,
				"target":  target,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Retrying warehouse call")
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func shouldRetry(err error) bool {
	return engine.IsTransient(err) || engine.IsThrottled(err)
}

// retryBackOff doubles the delay from the base on every attempt, capped at
// one minute. A throttled failure waits five times longer.
type retryBackOff struct {
	*backoff.ExponentialBackOff
	throttled bool
}

func newRetryBackOff(base time.Duration) *retryBackOff {
	return &retryBackOff{ExponentialBackOff: &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRetryDelay,
	}}
}

// NextBackOff implements backoff.BackOff.
func (b *retryBackOff) NextBackOff() time.Duration {
	next := b.ExponentialBackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.throttled {
		next *= throttleFactor
	}
	return min(next, maxRetryDelay)
}

func classOf(err error) (string, string) {
	class := string(engine.ErrorClassOf(err))
	if class == "" {
		class = "unclassified"
	}
	return class, engine.ErrorCode(err)
}
