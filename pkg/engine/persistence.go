package engine

import (
	"context"
	"time"

	"github.com/tokenflow/tokenflow/pkg/execution"
)

// InstanceRecord is the persisted header of a process instance.
type InstanceRecord struct {
	ID                     string        `json:"id"`
	DefinitionID           string        `json:"definition_id"`
	RootProcessInstanceID  string        `json:"root_process_instance_id"`
	SuperProcessInstanceID string        `json:"super_process_instance_id,omitempty"`
	SuperExecutionID       string        `json:"super_execution_id,omitempty"`
	State                  InstanceState `json:"state"`
	StartedAt              time.Time     `json:"started_at"`
	EndedAt                *time.Time    `json:"ended_at,omitempty"`
}

// InstanceSnapshot is everything needed to rehydrate a process instance.
type InstanceSnapshot struct {
	Instance   InstanceRecord
	Executions []*execution.Execution
	Jobs       []*Job
}

// UnitOfWork receives the changes of one engine operation. Nothing becomes
// visible to readers before Commit; Rollback discards everything.
type UnitOfWork interface {
	SaveInstance(ctx context.Context, record *InstanceRecord) error
	ApplyEdits(ctx context.Context, processInstanceID string, edits []execution.Edit) error
	SaveJobs(ctx context.Context, jobs []*Job) error
	DeleteJobs(ctx context.Context, jobIDs []string) error
	RecordEvents(ctx context.Context, events []Event) error
	Commit() error
	Rollback() error
}

// Persistence opens units of work.
type Persistence interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// InstanceLoader rehydrates instances that are not held in memory.
// Missing instances are reported as a nil snapshot, or an empty id, with a nil error.
type InstanceLoader interface {
	LoadInstance(ctx context.Context, processInstanceID string) (*InstanceSnapshot, error)
	LocateExecution(ctx context.Context, executionID string) (string, error)
	LocateJob(ctx context.Context, jobID string) (string, error)
}
