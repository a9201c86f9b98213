package engine

import (
	"encoding/json"
	"fmt"
)

// InstanceState represents the lifecycle state of a process instance.
type InstanceState string

const (
	// InstanceStateActive indicates the instance still holds at least one execution.
	InstanceStateActive InstanceState = "active"

	// InstanceStateCompleted indicates every token reached an end.
	InstanceStateCompleted InstanceState = "completed"

	// InstanceStateCancelled indicates the instance was cancelled by a caller or by its parent.
	InstanceStateCancelled InstanceState = "cancelled"
)

// IsTerminal returns true if the state represents a final state.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateCancelled
}

// IsActive returns true if the instance can still be advanced or migrated.
func (s InstanceState) IsActive() bool {
	return s == InstanceStateActive
}

// Validate checks if the instance state is valid.
func (s InstanceState) Validate() error {
	switch s {
	case InstanceStateActive, InstanceStateCompleted, InstanceStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid instance state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s InstanceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *InstanceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = InstanceState(str)
	return s.Validate()
}

// MoveKind distinguishes move instructions that cross a call activity boundary.
type MoveKind string

const (
	// MoveWithinInstance relocates tokens inside one process instance.
	MoveWithinInstance MoveKind = "within"

	// MoveToParentInstance leaves a called process into its calling instance.
	MoveToParentInstance MoveKind = "to_parent"

	// MoveToSubProcessInstance enters a newly created called process instance.
	MoveToSubProcessInstance MoveKind = "to_sub_process_instance"
)

// Validate checks if the move kind is valid.
func (k MoveKind) Validate() error {
	switch k {
	case MoveWithinInstance, MoveToParentInstance, MoveToSubProcessInstance:
		return nil
	default:
		return fmt.Errorf("invalid move kind: %s", k)
	}
}
