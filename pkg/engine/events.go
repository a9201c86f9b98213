package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a lifecycle event delivered to listeners.
type EventType string

const (
	EventActivityStarted   EventType = "ACTIVITY_STARTED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityCancelled EventType = "ACTIVITY_CANCELLED"
	EventActivitySignaled  EventType = "ACTIVITY_SIGNALED"
	EventVariableCreated   EventType = "VARIABLE_CREATED"
	EventVariableUpdated   EventType = "VARIABLE_UPDATED"
	EventTimerScheduled    EventType = "TIMER_SCHEDULED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventJobCanceled       EventType = "JOB_CANCELED"
	EventProcessStarted    EventType = "PROCESS_STARTED"
	EventProcessCompleted  EventType = "PROCESS_COMPLETED"
	EventProcessCancelled  EventType = "PROCESS_CANCELLED"
)

// Validate checks if the event type is known.
func (t EventType) Validate() error {
	switch t {
	case EventActivityStarted, EventActivityCompleted, EventActivityCancelled, EventActivitySignaled,
		EventVariableCreated, EventVariableUpdated, EventTimerScheduled, EventTimerFired,
		EventJobCanceled, EventProcessStarted, EventProcessCompleted, EventProcessCancelled:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", t)
	}
}

// IsActivityEvent reports whether the event carries an activity id and type.
func (t EventType) IsActivityEvent() bool {
	switch t {
	case EventActivityStarted, EventActivityCompleted, EventActivityCancelled, EventActivitySignaled:
		return true
	}
	return false
}

// IsJobEvent reports whether the event carries a job.
func (t EventType) IsJobEvent() bool {
	return t == EventTimerScheduled || t == EventTimerFired || t == EventJobCanceled
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = EventType(str)
	return t.Validate()
}

// Event is one lifecycle event emitted by an engine operation.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Seq orders the events of one operation, starting at 1.
	Seq int64 `json:"seq"`

	// Type is the event type.
	Type EventType `json:"type"`

	ProcessInstanceID   string `json:"process_instance_id"`
	ExecutionID         string `json:"execution_id,omitempty"`
	ProcessDefinitionID string `json:"process_definition_id"`

	// ActivityID and ActivityType are set for activity events. Job events carry
	// the activity of origin of the job.
	ActivityID   string `json:"activity_id,omitempty"`
	ActivityType string `json:"activity_type,omitempty"`

	VariableName  string      `json:"variable_name,omitempty"`
	VariableValue interface{} `json:"variable_value,omitempty"`

	// Job is a copy of the timer job for job events.
	Job *Job `json:"job,omitempty"`

	// Reason is set for cancellation events triggered by a caller.
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// String renders the event compactly for logs and test failure output.
func (e Event) String() string {
	switch {
	case e.Type.IsActivityEvent():
		return fmt.Sprintf("%s(%s)", e.Type, e.ActivityID)
	case e.Type == EventVariableCreated || e.Type == EventVariableUpdated:
		return fmt.Sprintf("%s(%s)", e.Type, e.VariableName)
	case e.Type.IsJobEvent():
		return fmt.Sprintf("%s(%s)", e.Type, e.ActivityID)
	default:
		return fmt.Sprintf("%s(%s)", e.Type, e.ProcessInstanceID)
	}
}
