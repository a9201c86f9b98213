package model

import (
	"fmt"
	"strings"
)

// ActivityNotFoundError is returned when an activity id is not declared in a definition.
type ActivityNotFoundError struct {
	ActivityID   string
	DefinitionID string
}

func (e *ActivityNotFoundError) Error() string {
	return fmt.Sprintf("cannot find activity '%s' in process definition '%s'", e.ActivityID, e.DefinitionID)
}

// DefinitionNotFoundError is returned when the repository has no matching definition.
type DefinitionNotFoundError struct {
	Key     string
	Version int
	ID      string
}

func (e *DefinitionNotFoundError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("process definition '%s' not found", e.ID)
	case e.Version > 0:
		return fmt.Sprintf("process definition '%s' with version %d not found", e.Key, e.Version)
	default:
		return fmt.Sprintf("no process definition deployed for key '%s'", e.Key)
	}
}

// ValidationError collects every problem found while checking a definition.
type ValidationError struct {
	Key    string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid process definition '%s': %s", e.Key, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
