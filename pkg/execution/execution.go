package execution

import (
	"time"
)

// Execution is one node of a process instance's execution tree.
// Parent and children are id references resolved through the owning Tree.
type Execution struct {
	// ID is unique across all trees. The root execution's ID equals the process instance id.
	ID string `json:"id"`

	// ProcessInstanceID is the id of the root execution of this tree.
	ProcessInstanceID string `json:"process_instance_id"`

	// RootProcessInstanceID is the top-level instance when this tree was started by a call activity.
	RootProcessInstanceID string `json:"root_process_instance_id"`

	// ProcessDefinitionID is the definition this tree executes.
	ProcessDefinitionID string `json:"process_definition_id"`

	// ParentID is empty only for the root.
	ParentID string `json:"parent_id,omitempty"`

	// ChildIDs in creation order.
	ChildIDs []string `json:"child_ids,omitempty"`

	// ActivityID is the activity the execution stands on. Empty for the root.
	ActivityID string `json:"activity_id,omitempty"`

	// IsScope is set for the root, sub-process scopes and multi-instance roots.
	IsScope bool `json:"is_scope"`

	// IsActive is set when a token resides directly on this execution.
	IsActive bool `json:"is_active"`

	// IsConcurrent is set when the execution shares its parent with siblings.
	IsConcurrent bool `json:"is_concurrent"`

	// IsMultiInstanceRoot marks the execution holding the loop counters.
	IsMultiInstanceRoot bool `json:"is_multi_instance_root"`

	// Sequential is set on sequential multi-instance roots.
	Sequential bool `json:"sequential,omitempty"`

	NrOfInstances          int `json:"nr_of_instances,omitempty"`
	NrOfActiveInstances    int `json:"nr_of_active_instances,omitempty"`
	NrOfCompletedInstances int `json:"nr_of_completed_instances,omitempty"`

	// LoopCounter is the zero-based index of a multi-instance member.
	LoopCounter int `json:"loop_counter,omitempty"`

	// JoinArrivals counts tokens merged into a waiting join execution.
	JoinArrivals int `json:"join_arrivals,omitempty"`

	// SuperExecutionID links the root of a called process to the calling execution.
	SuperExecutionID string `json:"super_execution_id,omitempty"`

	// SubProcessInstanceID links a call activity execution to the called instance.
	SubProcessInstanceID string `json:"sub_process_instance_id,omitempty"`

	// Variables local to this execution.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Seq orders executions by creation within a tree.
	Seq int64 `json:"seq"`

	StartedAt time.Time `json:"started_at"`
}

// IsRoot reports whether the execution is the process instance itself.
func (e *Execution) IsRoot() bool {
	return e.ParentID == ""
}

// IsWaitingJoin reports whether the execution is a join point still waiting for arrivals.
func (e *Execution) IsWaitingJoin() bool {
	return !e.IsActive && !e.IsScope && e.ActivityID != "" && len(e.ChildIDs) == 0 && e.JoinArrivals > 0
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.ChildIDs != nil {
		c.ChildIDs = append([]string(nil), e.ChildIDs...)
	}
	if e.Variables != nil {
		c.Variables = make(map[string]interface{}, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// EditOp is the kind of structural change recorded in the edit log.
type EditOp string

const (
	EditCreate         EditOp = "create"
	EditTerminate      EditOp = "terminate"
	EditActivate       EditOp = "activate"
	EditDeactivate     EditOp = "deactivate"
	EditUpdate         EditOp = "update"
	EditSetVariable    EditOp = "set_variable"
	EditRemoveVariable EditOp = "remove_variable"
)

// Edit is one entry of the ordered edit log handed to persistence.
type Edit struct {
	Op          EditOp `json:"op"`
	ExecutionID string `json:"execution_id"`

	// Execution is a snapshot taken when the edit was recorded; nil for variable edits and terminations.
	Execution *Execution `json:"execution,omitempty"`

	VariableName string      `json:"variable_name,omitempty"`
	Value        interface{} `json:"value,omitempty"`
}
