// Package memory provides an in-process warehouse. It keeps datasets and their
// replica topology in maps, answers with the same error classes as the real
// backends, records every call, and supports fault injection. It backs the
// "memory" backend and the package tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/openfroyo/dsync/pkg/engine"
)

// Method names used in call records and fault keys.
const (
	MethodQueryReplicaMetadata = "QueryReplicaMetadata"
	MethodIssueDDL             = "IssueDDL"
	MethodGetDataset           = "GetDataset"
	MethodCreateDataset        = "CreateDataset"
	MethodUpdateDataset        = "UpdateDataset"
)

// Call is one recorded warehouse call.
type Call struct {
	Method string
	// Target is the dataset reference, with "/region" appended for DDL.
	Target string
	// SQL is set for DDL calls.
	SQL string
}

// Mutating reports whether the call changes warehouse state.
func (c Call) Mutating() bool {
	switch c.Method {
	case MethodIssueDDL, MethodCreateDataset, MethodUpdateDataset:
		return true
	default:
		return false
	}
}

type fault struct {
	err  error
	once bool
}

// Warehouse is an in-memory engine.Warehouse. It is safe for concurrent use.
type Warehouse struct {
	mu       sync.Mutex
	datasets map[string]*engine.Dataset
	replicas map[string]engine.ReplicationState
	faults   map[string]fault
	calls    []Call
	etag     int
}

var _ engine.Warehouse = (*Warehouse)(nil)

// New creates an empty warehouse.
func New() *Warehouse {
	return &Warehouse{
		datasets: make(map[string]*engine.Dataset),
		replicas: make(map[string]engine.ReplicationState),
		faults:   make(map[string]fault),
	}
}

// Name implements engine.Warehouse.
func (w *Warehouse) Name() string {
	return "memory"
}

// PutDataset stores ds as-is, replacing any existing dataset. A fresh ETag is assigned.
func (w *Warehouse) PutDataset(ds *engine.Dataset) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := ds.Clone()
	c.ETag = w.nextETagLocked()
	w.datasets[c.Ref()] = c
}

// SetReplicas replaces the replica topology of a dataset.
func (w *Warehouse) SetReplicas(project, dataset string, replicas []string, primary string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replicas[engine.DatasetRef(project, dataset)] = engine.NewReplicationState(replicas, primary)
}

// Replicas returns the replica topology of a dataset.
func (w *Warehouse) Replicas(project, dataset string) engine.ReplicationState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replicas[engine.DatasetRef(project, dataset)]
}

// Dataset returns a copy of the stored dataset, or nil.
func (w *Warehouse) Dataset(project, dataset string) *engine.Dataset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.datasets[engine.DatasetRef(project, dataset)].Clone()
}

// SetFault makes every call of method on target fail with err until cleared.
// For DDL the target is "project.dataset/region"; "*" matches any target.
func (w *Warehouse) SetFault(method, target string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults[method+" "+target] = fault{err: err}
}

// FailOnce makes the next call of method on target fail with err.
func (w *Warehouse) FailOnce(method, target string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults[method+" "+target] = fault{err: err, once: true}
}

// ClearFaults removes every injected fault.
func (w *Warehouse) ClearFaults() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults = make(map[string]fault)
}

// Calls returns the recorded calls in order.
func (w *Warehouse) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Call(nil), w.calls...)
}

// MutatingCalls returns the recorded calls that change state, including failed ones.
func (w *Warehouse) MutatingCalls() []Call {
	var out []Call
	for _, c := range w.Calls() {
		if c.Mutating() {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (w *Warehouse) ResetCalls() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = nil
}

// QueryReplicaMetadata implements engine.ReplicaMetadataReader.
func (w *Warehouse) QueryReplicaMetadata(ctx context.Context, project, dataset string) ([]engine.ReplicaRow, error) {
	ref := engine.DatasetRef(project, dataset)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.beginLocked(ctx, Call{Method: MethodQueryReplicaMetadata, Target: ref}); err != nil {
		return nil, err
	}

	if _, ok := w.datasets[ref]; !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("dataset %s not found", ref), nil).
			WithResource(ref)
	}

	state := w.replicas[ref]
	rows := make([]engine.ReplicaRow, 0, len(state.Replicas))
	for _, r := range state.Replicas {
		rows = append(rows, engine.ReplicaRow{Location: r, IsPrimary: r == state.Primary})
	}
	return rows, nil
}

// IssueDDL implements engine.DDLExecutor.
func (w *Warehouse) IssueDDL(ctx context.Context, stmt engine.DDLStatement) error {
	ref := engine.DatasetRef(stmt.Project, stmt.Dataset)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.beginLocked(ctx, Call{Method: MethodIssueDDL, Target: ref + "/" + stmt.Region, SQL: stmt.SQL()}); err != nil {
		return err
	}

	if _, ok := w.datasets[ref]; !ok {
		return engine.NewNotFoundError(fmt.Sprintf("dataset %s not found", ref), nil).WithResource(ref)
	}

	state := w.replicas[ref]
	switch stmt.Kind {
	case engine.DDLAddReplica:
		if state.Has(stmt.Region) {
			return engine.NewAlreadyExistsError(fmt.Sprintf("replica %s already exists", stmt.Region), nil).
				WithResource(ref)
		}
		w.replicas[ref] = engine.NewReplicationState(append(append([]string(nil), state.Replicas...), stmt.Region), state.Primary)

	case engine.DDLDropReplica:
		if !state.Has(stmt.Region) {
			return engine.NewNotFoundError(fmt.Sprintf("replica %s not found", stmt.Region), nil).
				WithResource(ref)
		}
		remaining := make([]string, 0, len(state.Replicas))
		for _, r := range state.Replicas {
			if r != stmt.Region {
				remaining = append(remaining, r)
			}
		}
		primary := state.Primary
		if primary == stmt.Region {
			primary = ""
		}
		w.replicas[ref] = engine.NewReplicationState(remaining, primary)

	case engine.DDLSetDefaultReplica:
		if !state.Has(stmt.Region) {
			return engine.NewBadRequestError(fmt.Sprintf("%s is not a replica of %s", stmt.Region, ref), nil).
				WithResource(ref)
		}
		w.replicas[ref] = engine.NewReplicationState(state.Replicas, stmt.Region)

	default:
		return engine.NewBadRequestError(fmt.Sprintf("unsupported statement kind %q", stmt.Kind), nil)
	}
	return nil
}

// GetDataset implements engine.DatasetStore.
func (w *Warehouse) GetDataset(ctx context.Context, project, dataset string) (*engine.Dataset, error) {
	ref := engine.DatasetRef(project, dataset)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.beginLocked(ctx, Call{Method: MethodGetDataset, Target: ref}); err != nil {
		return nil, err
	}

	ds, ok := w.datasets[ref]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("dataset %s not found", ref), nil).WithResource(ref)
	}
	return ds.Clone(), nil
}

// CreateDataset implements engine.DatasetStore.
func (w *Warehouse) CreateDataset(ctx context.Context, ds *engine.Dataset) (*engine.Dataset, error) {
	ref := ds.Ref()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.beginLocked(ctx, Call{Method: MethodCreateDataset, Target: ref}); err != nil {
		return nil, err
	}

	if _, ok := w.datasets[ref]; ok {
		return nil, engine.NewAlreadyExistsError(fmt.Sprintf("dataset %s already exists", ref), nil).WithResource(ref)
	}

	created := ds.Clone()
	if created.Location == "" {
		created.Location = "US"
	}
	created.ETag = w.nextETagLocked()
	w.datasets[ref] = created
	return created.Clone(), nil
}

// UpdateDataset implements engine.DatasetStore. Location is immutable and ignored.
func (w *Warehouse) UpdateDataset(ctx context.Context, ds *engine.Dataset) (*engine.Dataset, error) {
	ref := ds.Ref()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.beginLocked(ctx, Call{Method: MethodUpdateDataset, Target: ref}); err != nil {
		return nil, err
	}

	current, ok := w.datasets[ref]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("dataset %s not found", ref), nil).WithResource(ref)
	}
	if ds.ETag != "" && ds.ETag != current.ETag {
		return nil, engine.NewPreconditionFailedError(
			fmt.Sprintf("etag mismatch: have %s, got %s", current.ETag, ds.ETag), nil).WithResource(ref)
	}

	updated := ds.Clone()
	updated.Location = current.Location
	updated.ETag = w.nextETagLocked()
	w.datasets[ref] = updated
	return updated.Clone(), nil
}

// beginLocked records the call and returns an injected fault, if any.
func (w *Warehouse) beginLocked(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.calls = append(w.calls, call)

	for _, key := range []string{call.Method + " " + call.Target, call.Method + " *"} {
		f, ok := w.faults[key]
		if !ok {
			continue
		}
		if f.once {
			delete(w.faults, key)
		}
		return f.err
	}
	return nil
}

func (w *Warehouse) nextETagLocked() string {
	w.etag++
	return strconv.Itoa(w.etag)
}
