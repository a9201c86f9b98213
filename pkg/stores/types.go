package stores

import (
	"context"
	"time"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// DefinitionRecord is a deployed process definition version as stored.
type DefinitionRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Version    int       `json:"version"`
	Name       string    `json:"name"`
	Document   string    `json:"document"` // JSON encoded model.ProcessDefinition
	DeployedAt time.Time `json:"deployed_at"`
}

// InstanceSummary is one row of the process instance listing.
type InstanceSummary struct {
	ID                     string               `json:"id"`
	DefinitionID           string               `json:"definition_id"`
	RootProcessInstanceID  string               `json:"root_process_instance_id"`
	SuperProcessInstanceID string               `json:"super_process_instance_id,omitempty"`
	State                  engine.InstanceState `json:"state"`
	StartedAt              time.Time            `json:"started_at"`
	EndedAt                *time.Time           `json:"ended_at,omitempty"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

// HistoryEvent is an engine event as kept in the append-only history.
type HistoryEvent struct {
	ID                int64            `json:"id"`
	EventID           string           `json:"event_id"`
	Seq               int64            `json:"seq"`
	Type              engine.EventType `json:"type"`
	ProcessInstanceID string           `json:"process_instance_id"`
	ExecutionID       string           `json:"execution_id,omitempty"`
	ActivityID        string           `json:"activity_id,omitempty"`
	Payload           string           `json:"payload"` // JSON encoded engine.Event
	Timestamp         time.Time        `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "definition.deployed", "instance.moved"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // definition or process instance id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Persistence
	engine.InstanceLoader

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Definition operations
	SaveDefinition(ctx context.Context, def *model.ProcessDefinition) error
	GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error)
	LoadDefinitions(ctx context.Context, repo *model.Repository) (int, error)

	// Instance queries
	ListInstances(ctx context.Context, state *engine.InstanceState, limit, offset int) ([]*InstanceSummary, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*engine.Job, error)
	GetHistory(ctx context.Context, processInstanceID string, eventType *engine.EventType, limit, offset int) ([]*HistoryEvent, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
