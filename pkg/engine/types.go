package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dataset is the live attribute set of a warehouse dataset. The warehouse owns it;
// reconcilers only read it and propose mutations on a copy.
type Dataset struct {
	// Project is the project that hosts the dataset.
	Project string `json:"project"`

	// DatasetID is the dataset (schema) identifier.
	DatasetID string `json:"dataset_id"`

	// Location is the dataset's primary location (e.g., "US", "EU", "us-east1").
	Location string `json:"location,omitempty"`

	// Description is the dataset description.
	Description string `json:"description,omitempty"`

	// Labels are the dataset labels.
	Labels map[string]string `json:"labels,omitempty"`

	// AccessEntries are the dataset's access grants as returned by the warehouse.
	AccessEntries []AccessEntry `json:"access,omitempty"`

	// DefaultTableExpirationMs is the default table lifetime; nil when unset.
	DefaultTableExpirationMs *int64 `json:"default_table_expiration_ms,omitempty"`

	// DefaultPartitionExpirationMs is the default partition lifetime; nil when unset.
	DefaultPartitionExpirationMs *int64 `json:"default_partition_expiration_ms,omitempty"`

	// ETag identifies the observed revision for conditional updates.
	ETag string `json:"etag,omitempty"`
}

// NewDataset returns an empty dataset addressed by project and dataset ID.
func NewDataset(project, datasetID string) *Dataset {
	return &Dataset{Project: project, DatasetID: datasetID}
}

// Ref returns the "project.dataset" reference.
func (d *Dataset) Ref() string {
	return DatasetRef(d.Project, d.DatasetID)
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := *d
	if d.Labels != nil {
		c.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			c.Labels[k] = v
		}
	}
	if d.AccessEntries != nil {
		c.AccessEntries = make([]AccessEntry, len(d.AccessEntries))
		for i, e := range d.AccessEntries {
			c.AccessEntries[i] = e.Clone()
		}
	}
	c.DefaultTableExpirationMs = cloneInt64(d.DefaultTableExpirationMs)
	c.DefaultPartitionExpirationMs = cloneInt64(d.DefaultPartitionExpirationMs)
	return &c
}

// DatasetRef formats a "project.dataset" reference.
func DatasetRef(project, dataset string) string {
	if project == "" {
		return dataset
	}
	return project + "." + dataset
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Entity types understood by the access reconciler. Values follow the
// warehouse's REST representation.
const (
	EntityTypeUserByEmail  = "userByEmail"
	EntityTypeGroupByEmail = "groupByEmail"
	EntityTypeDomain       = "domain"
	EntityTypeSpecialGroup = "specialGroup"
	EntityTypeIAMMember    = "iamMember"
	EntityTypeView         = "view"
	EntityTypeRoutine      = "routine"
	EntityTypeDataset      = "dataset"
)

// AccessEntry is a single grant on a dataset: a role, an entity type and the
// properties that identify the grantee. Entries read back from the warehouse
// usually carry more properties than a locally constructed one.
type AccessEntry struct {
	// Role is the granted role (e.g., "READER", "WRITER", "OWNER"); empty for authorized views.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`

	// EntityType is the kind of grantee (see EntityType* constants).
	EntityType string `json:"entity_type" yaml:"entity_type"`

	// Properties identify the grantee. Values are strings or nested maps.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// NewAccessEntry builds a minimal entry whose identifying property is keyed by the entity type.
func NewAccessEntry(role, entityType, entity string) AccessEntry {
	return AccessEntry{
		Role:       role,
		EntityType: entityType,
		Properties: map[string]any{entityType: entity},
	}
}

// Clone returns a deep copy of the entry.
func (e AccessEntry) Clone() AccessEntry {
	c := e
	if e.Properties != nil {
		c.Properties = cloneAnyMap(e.Properties)
	}
	return c
}

// String renders the entry for logs.
func (e AccessEntry) String() string {
	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Properties[k]))
	}
	return fmt.Sprintf("%s:%s{%s}", e.Role, e.EntityType, strings.Join(parts, ","))
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAnyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ReplicaRow is one row of the warehouse's replica metadata view.
type ReplicaRow struct {
	// Location is the replica region.
	Location string `json:"replica_location"`

	// IsPrimary marks the default (primary) replica.
	IsPrimary bool `json:"is_primary_replica"`
}

// ReplicationState is an observed or desired replica topology.
// Replicas is kept sorted and de-duplicated; Primary is empty when unset.
type ReplicationState struct {
	Replicas []string `json:"replicas"`
	Primary  string   `json:"primary,omitempty"`
}

// NewReplicationState builds a normalized state from an arbitrary region list.
func NewReplicationState(replicas []string, primary string) ReplicationState {
	return ReplicationState{Replicas: SortedSet(replicas), Primary: primary}
}

// ReplicationStateFromRows folds replica metadata rows into a state.
func ReplicationStateFromRows(rows []ReplicaRow) ReplicationState {
	regions := make([]string, 0, len(rows))
	primary := ""
	for _, row := range rows {
		regions = append(regions, row.Location)
		if row.IsPrimary {
			primary = row.Location
		}
	}
	return NewReplicationState(regions, primary)
}

// Has reports whether region is one of the replicas.
func (s ReplicationState) Has(region string) bool {
	i := sort.SearchStrings(s.Replicas, region)
	return i < len(s.Replicas) && s.Replicas[i] == region
}

// SameReplicas reports set equality of the replica regions.
func (s ReplicationState) SameReplicas(other ReplicationState) bool {
	if len(s.Replicas) != len(other.Replicas) {
		return false
	}
	for i := range s.Replicas {
		if s.Replicas[i] != other.Replicas[i] {
			return false
		}
	}
	return true
}

// SortedSet returns the distinct values of in, sorted.
func SortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DDLKind is the shape of a replica DDL statement.
type DDLKind string

const (
	DDLAddReplica        DDLKind = "add_replica"
	DDLDropReplica       DDLKind = "drop_replica"
	DDLSetDefaultReplica DDLKind = "set_default_replica"
)

// DDLStatement is a parameterized replica mutation.
type DDLStatement struct {
	Kind    DDLKind `json:"kind"`
	Project string  `json:"project"`
	Dataset string  `json:"dataset"`
	Region  string  `json:"region"`
}

// SQL renders the statement as ALTER SCHEMA DDL.
func (s DDLStatement) SQL() string {
	schema := quoteIdent(DatasetRef(s.Project, s.Dataset))
	region := quoteIdent(s.Region)
	switch s.Kind {
	case DDLAddReplica:
		return fmt.Sprintf("ALTER SCHEMA %s ADD REPLICA %s", schema, region)
	case DDLDropReplica:
		return fmt.Sprintf("ALTER SCHEMA %s DROP REPLICA %s", schema, region)
	case DDLSetDefaultReplica:
		return fmt.Sprintf("ALTER SCHEMA %s SET OPTIONS (default_replica = %s)", schema, region)
	default:
		return ""
	}
}

// Operation maps the DDL kind onto the step operation it performs.
func (s DDLStatement) Operation() OperationType {
	switch s.Kind {
	case DDLAddReplica:
		return OperationAddReplica
	case DDLDropReplica:
		return OperationDropReplica
	default:
		return OperationSetPrimary
	}
}

// quoteIdent wraps an identifier in backticks, escaping embedded ones.
func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "\\`") + "`"
}

// StepResult is the outcome of one independent reconciliation step.
type StepResult struct {
	// Operation is what the step does.
	Operation OperationType `json:"operation"`

	// Target names the region, attribute or grantee the step acts on.
	Target string `json:"target,omitempty"`

	// Status is the step outcome.
	Status StepStatus `json:"status"`

	// Message is a human-readable note (skip reason, error text).
	Message string `json:"message,omitempty"`

	// Err is the failure, if any.
	Err error `json:"-"`

	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

// Report collects the steps taken against one dataset. Steps are appended in
// execution order; a failed step never prevents later steps from running.
type Report struct {
	// Dataset is the "project.dataset" reference.
	Dataset string `json:"dataset"`

	// Drift summarizes whether any facet needed changes.
	Drift DriftStatus `json:"drift"`

	// Steps are the recorded steps in execution order.
	Steps []StepResult `json:"steps"`
}

// NewReport creates an empty report for a dataset.
func NewReport(dataset string) *Report {
	return &Report{
		Dataset: dataset,
		Drift:   DriftStatusInSync,
		Steps:   make([]StepResult, 0),
	}
}

// Add appends a step and promotes Drift when the step implies a difference.
func (r *Report) Add(step StepResult) {
	if step.Err != nil && step.Message == "" {
		step.Message = step.Err.Error()
	}
	r.Steps = append(r.Steps, step)
	switch step.Status {
	case StepStatusSucceeded, StepStatusFailed, StepStatusPlanned:
		if step.Operation.IsMutating() {
			r.Drift = DriftStatusDrifted
		}
	}
}

// Merge appends every step of other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	for _, s := range other.Steps {
		r.Add(s)
	}
	switch {
	case other.Drift == DriftStatusDrifted:
		r.Drift = DriftStatusDrifted
	case other.Drift == DriftStatusUnknown && r.Drift == DriftStatusInSync:
		r.Drift = DriftStatusUnknown
	}
}

// Failed returns the failed steps.
func (r *Report) Failed() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Status == StepStatusFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Cancelled returns a skipped step for an operation that was never attempted
// because the context was done.
func Cancelled(op OperationType, target string) StepResult {
	return StepResult{
		Operation: op,
		Target:    target,
		Status:    StepStatusSkipped,
		Message:   StepMessageCancelled,
	}
}

// Incomplete reports whether any step was skipped because of cancellation.
func (r *Report) Incomplete() bool {
	for _, s := range r.Steps {
		if s.Status == StepStatusSkipped && s.Message == StepMessageCancelled {
			return true
		}
	}
	return false
}

// HasFailures reports whether any step failed.
func (r *Report) HasFailures() bool {
	return len(r.Failed()) > 0
}

// Mutations returns the number of steps that issued a mutating call,
// whether it succeeded or failed. Noop and skipped steps issue none.
func (r *Report) Mutations() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Operation.IsMutating() {
			continue
		}
		if s.Status == StepStatusSucceeded || s.Status == StepStatusFailed {
			n++
		}
	}
	return n
}

// Operations lists the operations of the recorded steps, "op:target" formatted.
func (r *Report) Operations() []string {
	ops := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Operation == OperationObserve {
			continue
		}
		ops = append(ops, string(s.Operation)+":"+s.Target)
	}
	return ops
}

// DatasetResult is the per-dataset entry of a run.
type DatasetResult struct {
	// Name is the configured dataset name.
	Name string `json:"name"`

	// ConfigHash is the content hash of the configuration that was applied.
	ConfigHash string `json:"config_hash"`

	// Changed is true when the hash differs from the last successfully applied one.
	Changed bool `json:"changed"`

	// Report holds the steps taken.
	Report *Report `json:"report"`

	// Error is set when reconciliation could not start (e.g., observation failed).
	Error string `json:"error,omitempty"`
}

// Failed reports whether the dataset did not fully converge. A dataset whose
// steps were cut short by cancellation did not converge either.
func (d DatasetResult) Failed() bool {
	return d.Error != "" || (d.Report != nil && (d.Report.HasFailures() || d.Report.Incomplete()))
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total     int `json:"total"`
	Converged int `json:"converged"`
	Drifted   int `json:"drifted"`
	Failed    int `json:"failed"`
	Mutations int `json:"mutations"`
}

// RunReport is the outcome of reconciling every configured dataset once.
type RunReport struct {
	ID          string          `json:"id"`
	Project     string          `json:"project"`
	DryRun      bool            `json:"dry_run"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Datasets    []DatasetResult `json:"datasets"`
	Summary     RunSummary      `json:"summary"`
}

// Finalize computes the summary and terminal status.
func (r *RunReport) Finalize(now time.Time) {
	summary := RunSummary{Total: len(r.Datasets)}
	for _, d := range r.Datasets {
		if d.Report != nil {
			summary.Mutations += d.Report.Mutations()
			if d.Report.Drift == DriftStatusDrifted {
				summary.Drifted++
			}
		}
		if d.Failed() {
			summary.Failed++
		} else {
			summary.Converged++
		}
	}
	r.Summary = summary
	r.CompletedAt = &now
	r.Duration = now.Sub(r.StartedAt)

	switch {
	case r.Status == RunStatusCancelled:
	case summary.Failed == 0:
		r.Status = RunStatusSucceeded
	case summary.Converged > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
}
