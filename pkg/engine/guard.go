package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// GuardInput describes a validated change-state request to a Guard.
type GuardInput struct {
	ProcessInstanceID string         `json:"process_instance_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionKey     string         `json:"definition_key"`
	ActiveActivityIDs []string       `json:"active_activity_ids"`
	Moves             []GuardMove    `json:"moves"`
	ProcessVariables  []string       `json:"process_variables"`
	Variables         map[string]any `json:"variables"`
}

// GuardMove is one resolved move group.
type GuardMove struct {
	Kind         MoveKind `json:"kind"`
	SourceIDs    []string `json:"source_activity_ids"`
	TargetIDs    []string `json:"target_activity_ids"`
	ExecutionIDs []string `json:"execution_ids"`
}

// Guard may reject a structurally valid change-state request. A non-nil error
// is reported to the caller as a policy denial before any mutation.
type Guard interface {
	Check(ctx context.Context, input GuardInput) error
}

// Metrics receives engine measurements.
type Metrics interface {
	RecordOperation(operation, outcome string, duration time.Duration)
	RecordExecutions(created, terminated int)
	RecordEvent(eventType string)
	RecordJoinFired(gatewayType string)
	RecordValidationError(code string)
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, string, time.Duration) {}
func (noopMetrics) RecordExecutions(int, int)                     {}
func (noopMetrics) RecordEvent(string)                            {}
func (noopMetrics) RecordJoinFired(string)                        {}
func (noopMetrics) RecordValidationError(string)                  {}

// Tracer starts spans around engine operations. telemetry.Tracer and any
// trace.Tracer satisfy it.
type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}
