package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// ErrorClass classifies an error for the caller. None of the classes are retried by the engine.
type ErrorClass string

const (
	// ErrorClassValidation marks a malformed or unresolvable request.
	// It is always detected before any mutation becomes visible.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassInvariant marks a structural defect in an execution tree.
	// It indicates an engine bug and is fatal for the affected process instance.
	ErrorClassInvariant ErrorClass = "invariant"

	// ErrorClassCollaborator marks a failure of persistence or a listener.
	ErrorClassCollaborator ErrorClass = "collaborator"

	// ErrorClassConflict marks a request against an instance in the wrong state.
	ErrorClassConflict ErrorClass = "conflict"
)

// EngineError is a classified error with the ids needed to locate its cause.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code identifies the violated rule for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	ProcessInstanceID string `json:"process_instance_id,omitempty"`
	ExecutionID       string `json:"execution_id,omitempty"`
	ActivityID        string `json:"activity_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.ProcessInstanceID != "" {
		ctx = append(ctx, "process_instance="+e.ProcessInstanceID)
	}
	if e.ExecutionID != "" {
		ctx = append(ctx, "execution="+e.ExecutionID)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code, so the sentinels below work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Code: code, Message: message, Err: err}
}

// NewInvariantError creates an invariant violation error.
func NewInvariantError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInvariant, Code: ErrCodeInvariantViolation, Message: message, Err: err}
}

// NewCollaboratorError creates an error for a failing persistence layer or listener.
func NewCollaboratorError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCollaborator, Code: code, Message: message, Err: err}
}

// NewConflictError creates a conflict error.
func NewConflictError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: code, Message: message, Err: err}
}

// WithProcessInstance adds the process instance id.
func (e *EngineError) WithProcessInstance(id string) *EngineError {
	e.ProcessInstanceID = id
	return e
}

// WithExecution adds the execution id.
func (e *EngineError) WithExecution(id string) *EngineError {
	e.ExecutionID = id
	return e
}

// WithActivity adds the activity id.
func (e *EngineError) WithActivity(id string) *EngineError {
	e.ActivityID = id
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeActivityNotFound           = "ACTIVITY_NOT_FOUND"
	ErrCodeNoCurrentExecution         = "NO_CURRENT_EXECUTION"
	ErrCodeExpressionResolution       = "EXPRESSION_RESOLUTION"
	ErrCodeIllegalMigration           = "ILLEGAL_MIGRATION"
	ErrCodeInvariantViolation         = "INVARIANT_VIOLATION"
	ErrCodeProcessInstanceNotFound    = "PROCESS_INSTANCE_NOT_FOUND"
	ErrCodeExecutionNotFound          = "EXECUTION_NOT_FOUND"
	ErrCodeDefinitionNotFound         = "DEFINITION_NOT_FOUND"
	ErrCodeJobNotFound                = "JOB_NOT_FOUND"
	ErrCodeListenerFailed             = "LISTENER_FAILED"
	ErrCodePersistence                = "PERSISTENCE"
	ErrCodePolicyDenied               = "POLICY_DENIED"
	ErrCodeInvalidRequest             = "INVALID_REQUEST"
	ErrCodeProcessInstanceNotActive   = "PROCESS_INSTANCE_NOT_ACTIVE"
	ErrCodeNoOutgoingFlow             = "NO_OUTGOING_FLOW"
	ErrCodeStepLimitExceeded          = "STEP_LIMIT_EXCEEDED"
	ErrCodeMultiInstanceNotFound      = "MULTI_INSTANCE_NOT_FOUND"
	ErrCodeExecutionNotWaiting        = "EXECUTION_NOT_WAITING"
	ErrCodeUnsupportedMoveInstruction = "UNSUPPORTED_MOVE"
)

// Sentinels for errors.Is.
var (
	ErrActivityNotFound         = &EngineError{Class: ErrorClassValidation, Code: ErrCodeActivityNotFound}
	ErrNoCurrentExecution       = &EngineError{Class: ErrorClassValidation, Code: ErrCodeNoCurrentExecution}
	ErrExpressionResolution     = &EngineError{Class: ErrorClassValidation, Code: ErrCodeExpressionResolution}
	ErrIllegalMigration         = &EngineError{Class: ErrorClassValidation, Code: ErrCodeIllegalMigration}
	ErrInvariantViolation       = &EngineError{Class: ErrorClassInvariant, Code: ErrCodeInvariantViolation}
	ErrProcessInstanceNotFound  = &EngineError{Class: ErrorClassValidation, Code: ErrCodeProcessInstanceNotFound}
	ErrExecutionNotFound        = &EngineError{Class: ErrorClassValidation, Code: ErrCodeExecutionNotFound}
	ErrDefinitionNotFound       = &EngineError{Class: ErrorClassValidation, Code: ErrCodeDefinitionNotFound}
	ErrJobNotFound              = &EngineError{Class: ErrorClassValidation, Code: ErrCodeJobNotFound}
	ErrListenerFailed           = &EngineError{Class: ErrorClassCollaborator, Code: ErrCodeListenerFailed}
	ErrPersistence              = &EngineError{Class: ErrorClassCollaborator, Code: ErrCodePersistence}
	ErrPolicyDenied             = &EngineError{Class: ErrorClassValidation, Code: ErrCodePolicyDenied}
	ErrInvalidRequest           = &EngineError{Class: ErrorClassValidation, Code: ErrCodeInvalidRequest}
	ErrProcessInstanceNotActive = &EngineError{Class: ErrorClassConflict, Code: ErrCodeProcessInstanceNotActive}
)

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsInvariant returns true if the error is an invariant violation.
func IsInvariant(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInvariant
	}
	return false
}

// IsCollaborator returns true if the error came from persistence or a listener.
func IsCollaborator(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCollaborator
	}
	return false
}

// ErrorCode returns the code of an EngineError, or "" for other errors.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// classify converts errors from the model and execution packages into EngineErrors.
func classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	var notFound *model.ActivityNotFoundError
	if errors.As(err, &notFound) {
		return NewValidationError(ErrCodeActivityNotFound, notFound.Error(), nil).WithActivity(notFound.ActivityID)
	}
	var defNotFound *model.DefinitionNotFoundError
	if errors.As(err, &defNotFound) {
		return NewValidationError(ErrCodeDefinitionNotFound, defNotFound.Error(), nil)
	}
	var execNotFound *execution.NotFoundError
	if errors.As(err, &execNotFound) {
		return NewValidationError(ErrCodeExecutionNotFound, execNotFound.Error(), nil).
			WithExecution(execNotFound.ExecutionID).
			WithProcessInstance(execNotFound.ProcessInstanceID)
	}
	var invariant *execution.InvariantError
	if errors.As(err, &invariant) {
		return NewInvariantError("execution tree invariant violated", err).WithExecution(invariant.ExecutionID)
	}
	return NewInvariantError("unexpected engine failure", err)
}
