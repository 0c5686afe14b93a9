// Package engine provides the core types and interfaces shared by the dsync reconcilers.
//
// # Overview
//
// dsync converges warehouse datasets toward declared configuration. Each dataset is
// reconciled facet by facet, and every facet follows the same sequence:
//
//  1. Observe - read live state from the warehouse (never cached)
//  2. Decide - diff observed against desired state
//  3. Apply - issue independent, idempotent mutations
//  4. Report - record every step's outcome in a Report
//
// # Core Domain Types
//
//   - Dataset: live dataset attributes (location, description, labels, expirations, access)
//   - AccessEntry: a grant (role + entity type + identifying properties)
//   - ReplicationState: an observed or desired replica set with its primary
//   - DDLStatement: a replica mutation (add, drop, set default replica)
//   - StepResult / Report: the outcome of each step for one dataset
//   - RunReport: the outcome of reconciling every configured dataset once
//
// # Warehouse Interface
//
// Reconcilers talk to the warehouse exclusively through the Warehouse interface:
//
//	type Warehouse interface {
//	    QueryReplicaMetadata(ctx, project, dataset) ([]ReplicaRow, error)
//	    IssueDDL(ctx, stmt DDLStatement) error
//	    GetDataset(ctx, project, dataset) (*Dataset, error)
//	    CreateDataset(ctx, ds *Dataset) (*Dataset, error)
//	    UpdateDataset(ctx, ds *Dataset) (*Dataset, error)
//	    Name() string
//	}
//
// # Error Classification
//
// Warehouse adapters classify failures with EngineError so reconcilers can tell
// the expected conditions apart from real failures:
//
//   - IsNotFound / IsBadRequest: observed state is treated as empty
//   - IsAlreadyExists: a mutation is treated as success
//   - IsPreconditionFailed: the dataset changed underneath an update
//
// Anything else is recorded as a failed step; the next run retries it.
//
// # Idempotence
//
// No step depends on state persisted by an earlier run. Running the same
// reconciliation twice with no external change in between issues no mutations
// the second time.
package engine
