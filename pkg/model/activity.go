package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActivityType is the closed set of flow node kinds the engine understands.
// Behavior in the engine dispatches on this tag.
type ActivityType int

const (
	ActivityStartEvent ActivityType = iota + 1
	ActivityEndEvent
	ActivityTask
	ActivityUserTask
	ActivityServiceTask
	ActivityExclusiveGateway
	ActivityParallelGateway
	ActivityInclusiveGateway
	ActivitySubProcess
	ActivityCallActivity
	ActivityIntermediateCatchEvent
	ActivityBoundaryEvent
)

// MapActivityType maps the textual form used in definition files to an ActivityType.
// Unknown names map to 0.
func MapActivityType(s string) ActivityType {
	switch s {
	case "startEvent":
		return ActivityStartEvent
	case "endEvent":
		return ActivityEndEvent
	case "task":
		return ActivityTask
	case "userTask":
		return ActivityUserTask
	case "serviceTask":
		return ActivityServiceTask
	case "exclusiveGateway":
		return ActivityExclusiveGateway
	case "parallelGateway":
		return ActivityParallelGateway
	case "inclusiveGateway":
		return ActivityInclusiveGateway
	case "subProcess":
		return ActivitySubProcess
	case "callActivity":
		return ActivityCallActivity
	case "intermediateCatchEvent":
		return ActivityIntermediateCatchEvent
	case "boundaryEvent":
		return ActivityBoundaryEvent
	default:
		return 0
	}
}

func (t ActivityType) String() string {
	switch t {
	case ActivityStartEvent:
		return "startEvent"
	case ActivityEndEvent:
		return "endEvent"
	case ActivityTask:
		return "task"
	case ActivityUserTask:
		return "userTask"
	case ActivityServiceTask:
		return "serviceTask"
	case ActivityExclusiveGateway:
		return "exclusiveGateway"
	case ActivityParallelGateway:
		return "parallelGateway"
	case ActivityInclusiveGateway:
		return "inclusiveGateway"
	case ActivitySubProcess:
		return "subProcess"
	case ActivityCallActivity:
		return "callActivity"
	case ActivityIntermediateCatchEvent:
		return "intermediateCatchEvent"
	case ActivityBoundaryEvent:
		return "boundaryEvent"
	default:
		return ""
	}
}

// IsGateway reports whether the type forks or joins tokens.
func (t ActivityType) IsGateway() bool {
	return t == ActivityExclusiveGateway || t == ActivityParallelGateway || t == ActivityInclusiveGateway
}

// IsSynchronizing reports whether arriving tokens have to wait for siblings.
func (t ActivityType) IsSynchronizing() bool {
	return t == ActivityParallelGateway || t == ActivityInclusiveGateway
}

// IsTask reports whether the type is one of the task variants.
func (t ActivityType) IsTask() bool {
	return t == ActivityTask || t == ActivityUserTask || t == ActivityServiceTask
}

// IsWaitState reports whether a token stays on the node until triggered.
// Service tasks complete as soon as they are reached.
func (t ActivityType) IsWaitState() bool {
	return t == ActivityTask || t == ActivityUserTask ||
		t == ActivityIntermediateCatchEvent || t == ActivityCallActivity
}

func (t ActivityType) MarshalJSON() ([]byte, error) {
	s := t.String()
	if s == "" {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", s)), nil
}

func (t *ActivityType) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) > 2 {
		*t = MapActivityType(s[1 : len(s)-1])
	}
	if *t == 0 {
		return fmt.Errorf("invalid activity type %s", s)
	}
	return nil
}

func (t ActivityType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func (t *ActivityType) UnmarshalYAML(value *yaml.Node) error {
	*t = MapActivityType(value.Value)
	if *t == 0 {
		return fmt.Errorf("line %d: invalid activity type %q", value.Line, value.Value)
	}
	return nil
}

// TimerDefinition describes when a timer event fires. Exactly one field is set.
type TimerDefinition struct {
	// Duration is a Go duration ("90s") or an ISO-8601 period ("PT5M").
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`

	// Date is an RFC 3339 timestamp.
	Date string `yaml:"date,omitempty" json:"date,omitempty"`

	// Cycle is a standard five-field cron expression; the timer repeats.
	Cycle string `yaml:"cycle,omitempty" json:"cycle,omitempty"`
}

// LoopCharacteristics turns an activity into a multi-instance activity.
type LoopCharacteristics struct {
	// Sequential runs one instance at a time instead of all at once.
	Sequential bool `yaml:"sequential,omitempty" json:"sequential,omitempty"`

	// Cardinality is a literal count or an expression yielding one.
	Cardinality string `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`

	// Collection is a variable name or expression yielding a list; one instance per element.
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// ElementVariable receives the collection element in each instance.
	ElementVariable string `yaml:"elementVariable,omitempty" json:"element_variable,omitempty"`

	// CompletionCondition ends the loop early when it evaluates to true.
	CompletionCondition string `yaml:"completionCondition,omitempty" json:"completion_condition,omitempty"`
}

// DataObject is a modeled variable created when its scope is entered.
type DataObject struct {
	Name  string      `yaml:"name" json:"name" validate:"required"`
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// ActivityNode is one flow node of a process definition.
type ActivityNode struct {
	// ID is unique within the definition.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Name is a human-readable label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type selects the node behavior.
	Type ActivityType `yaml:"type" json:"type" validate:"required"`

	// Scope is the id of the containing sub-process; empty for the process level.
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// AttachedTo is the activity a boundary event is attached to.
	AttachedTo string `yaml:"attachedTo,omitempty" json:"attached_to,omitempty"`

	// CancelActivity makes a boundary event interrupting. Defaults to true.
	CancelActivity *bool `yaml:"cancelActivity,omitempty" json:"cancel_activity,omitempty"`

	// Timer is set on timer boundary and timer catch events.
	Timer *TimerDefinition `yaml:"timer,omitempty" json:"timer,omitempty"`

	// MultiInstance is set on multi-instance tasks and sub-processes.
	MultiInstance *LoopCharacteristics `yaml:"multiInstance,omitempty" json:"multi_instance,omitempty"`

	// CalledElement is the process key a call activity starts, or a ${...} expression.
	CalledElement string `yaml:"calledElement,omitempty" json:"called_element,omitempty"`

	// CalledElementVersion pins the called definition version; 0 means latest.
	CalledElementVersion int `yaml:"calledElementVersion,omitempty" json:"called_element_version,omitempty"`

	// DataObjects are created as local variables when a sub-process scope starts.
	DataObjects []DataObject `yaml:"dataObjects,omitempty" json:"data_objects,omitempty" validate:"dive"`

	// Default is the id of the default outgoing flow of an exclusive or inclusive gateway.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// IsInterrupting reports whether a boundary event cancels the activity it is attached to.
func (n *ActivityNode) IsInterrupting() bool {
	return n.CancelActivity == nil || *n.CancelActivity
}

// IsMultiInstance reports whether the node carries loop characteristics.
func (n *ActivityNode) IsMultiInstance() bool {
	return n.MultiInstance != nil
}

// IsScope reports whether entering the node opens a nested execution scope.
func (n *ActivityNode) IsScope() bool {
	return n.Type == ActivitySubProcess
}

// HasTimer reports whether the node schedules a timer job.
func (n *ActivityNode) HasTimer() bool {
	return n.Timer != nil
}

// SequenceFlow connects two nodes of the same scope.
type SequenceFlow struct {
	ID        string `yaml:"id" json:"id" validate:"required"`
	Source    string `yaml:"source" json:"source" validate:"required"`
	Target    string `yaml:"target" json:"target" validate:"required"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}
