package execution

import (
	"fmt"
)

// NotFoundError is returned when an execution id is not part of the tree.
type NotFoundError struct {
	ExecutionID       string
	ProcessInstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution '%s' not found in process instance '%s'", e.ExecutionID, e.ProcessInstanceID)
}

// InvariantError reports a structural defect in a tree.
type InvariantError struct {
	ExecutionID string
	Rule        string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on execution '%s': %s", e.ExecutionID, e.Rule)
}
