package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every dataset converged without a failed step.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no dataset could be reconciled.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some steps failed; residual drift is left for the next run.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType identifies one mutating (or observing) step against the warehouse.
type OperationType string

const (
	// OperationObserve reads live state; it never mutates.
	OperationObserve OperationType = "observe"

	// OperationCreateDataset creates a dataset that does not exist yet.
	OperationCreateDataset OperationType = "create_dataset"

	// OperationUpdateDataset writes desired attributes onto an existing dataset.
	OperationUpdateDataset OperationType = "update_dataset"

	// OperationAddReplica adds a replica region.
	OperationAddReplica OperationType = "add_replica"

	// OperationDropReplica removes a replica region.
	OperationDropReplica OperationType = "drop_replica"

	// OperationSetPrimary designates the default (primary) replica.
	OperationSetPrimary OperationType = "set_primary"

	// OperationGrantAccess appends an access entry to a dataset.
	OperationGrantAccess OperationType = "grant_access"
)

// IsMutating returns true if the operation changes warehouse state.
func (o OperationType) IsMutating() bool {
	return o != OperationObserve
}

// IsDestructive returns true if the operation removes something from the warehouse.
func (o OperationType) IsDestructive() bool {
	return o == OperationDropReplica
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationObserve, OperationCreateDataset, OperationUpdateDataset,
		OperationAddReplica, OperationDropReplica, OperationSetPrimary, OperationGrantAccess:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// StepStatus is the outcome of a single reconciliation step.
type StepStatus string

const (
	// StepStatusSucceeded indicates the mutation was applied, or the warehouse
	// answered that its target already exists.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusNoop indicates the target was already in the desired state and no call was issued.
	StepStatusNoop StepStatus = "noop"

	// StepStatusSkipped indicates the step was deliberately not attempted.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusFailed indicates the mutation was attempted and failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusPlanned indicates the step was computed but not executed (plan mode).
	StepStatusPlanned StepStatus = "planned"
)

// StepMessageCancelled marks a skipped step that was cut short by cancellation.
const StepMessageCancelled = "cancelled"

// IsTerminal returns true if the step reached a final outcome.
func (s StepStatus) IsTerminal() bool {
	return s != StepStatusPlanned
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusSucceeded, StepStatusNoop, StepStatusSkipped,
		StepStatusFailed, StepStatusPlanned:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// DriftStatus represents the drift detection status of a dataset facet.
type DriftStatus string

const (
	// DriftStatusInSync indicates the facet matches desired state.
	DriftStatusInSync DriftStatus = "in_sync"

	// DriftStatusDrifted indicates the facet differs from desired state.
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusUnknown indicates drift could not be determined (observation failed).
	DriftStatusUnknown DriftStatus = "unknown"

	// DriftStatusNotApplicable indicates the facet is not configured.
	DriftStatusNotApplicable DriftStatus = "not_applicable"
)

// Validate checks if the drift status is valid.
func (s DriftStatus) Validate() error {
	switch s {
	case DriftStatusInSync, DriftStatusDrifted, DriftStatusUnknown, DriftStatusNotApplicable:
		return nil
	default:
		return fmt.Errorf("invalid drift status: %s", s)
	}
}
