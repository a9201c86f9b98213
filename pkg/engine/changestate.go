package engine

import (
	"context"
	"errors"
	"fmt"
)

// Variable is a named value attached to a change-state request.
type Variable struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// LocalVariable is a variable written on the first execution created for ActivityID.
type LocalVariable struct {
	ActivityID string      `json:"activity_id"`
	Name       string      `json:"name"`
	Value      interface{} `json:"value"`
}

// MoveInstruction relocates the tokens of a source to one or more target activities.
// Exactly one of SourceActivityIDs and SourceExecutionIDs is set.
type MoveInstruction struct {
	// Kind defaults to MoveWithinInstance.
	Kind MoveKind `json:"kind,omitempty"`

	SourceActivityIDs  []string `json:"source_activity_ids,omitempty"`
	SourceExecutionIDs []string `json:"source_execution_ids,omitempty"`
	TargetActivityIDs  []string `json:"target_activity_ids"`

	// CallActivityID is the call activity whose new called instance receives the
	// targets. Only used with MoveToSubProcessInstance.
	CallActivityID string `json:"call_activity_id,omitempty"`

	// CalledDefinitionVersion pins the called definition version; 0 uses the
	// version the call activity declares, or the latest.
	CalledDefinitionVersion int `json:"called_definition_version,omitempty"`
}

func (m MoveInstruction) kind() MoveKind {
	if m.Kind == "" {
		return MoveWithinInstance
	}
	return m.Kind
}

// Validate checks the shape of the instruction.
func (m MoveInstruction) Validate() error {
	if err := m.kind().Validate(); err != nil {
		return err
	}
	switch {
	case len(m.SourceActivityIDs) == 0 && len(m.SourceExecutionIDs) == 0:
		return errors.New("move instruction has no source")
	case len(m.SourceActivityIDs) > 0 && len(m.SourceExecutionIDs) > 0:
		return errors.New("move instruction mixes source activities and source executions")
	case len(m.TargetActivityIDs) == 0:
		return errors.New("move instruction has no target")
	}
	for _, id := range append(append(append([]string(nil), m.SourceActivityIDs...), m.SourceExecutionIDs...), m.TargetActivityIDs...) {
		if id == "" {
			return errors.New("move instruction contains an empty id")
		}
	}
	if m.kind() == MoveToSubProcessInstance && m.CallActivityID == "" {
		return errors.New("moving into a called process requires a call activity id")
	}
	if m.kind() != MoveToSubProcessInstance && m.CallActivityID != "" {
		return fmt.Errorf("call activity id is only valid for %s moves", MoveToSubProcessInstance)
	}
	if m.CalledDefinitionVersion < 0 {
		return errors.New("called definition version cannot be negative")
	}
	return nil
}

// ChangeStateRequest is an ordered batch of move instructions for one process
// instance, applied as one unit.
type ChangeStateRequest struct {
	ProcessInstanceID string            `json:"process_instance_id"`
	Moves             []MoveInstruction `json:"moves"`
	ProcessVariables  []Variable        `json:"process_variables,omitempty"`
	LocalVariables    []LocalVariable   `json:"local_variables,omitempty"`
}

// Validate checks the shape of the request. Whether its ids resolve is checked
// by the engine against the live instance.
func (r ChangeStateRequest) Validate() error {
	if r.ProcessInstanceID == "" {
		return errors.New("process instance id is required")
	}
	if len(r.Moves) == 0 {
		return errors.New("at least one move instruction is required")
	}
	for i, m := range r.Moves {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("move %d: %w", i, err)
		}
	}
	for _, v := range r.ProcessVariables {
		if v.Name == "" {
			return errors.New("process variable without a name")
		}
	}
	for _, v := range r.LocalVariables {
		if v.ActivityID == "" || v.Name == "" {
			return errors.New("local variable needs an activity id and a name")
		}
	}
	return nil
}

// ChangeStateBuilder accumulates a ChangeStateRequest.
type ChangeStateBuilder struct {
	req ChangeStateRequest
}

// NewChangeStateBuilder starts a request for processInstanceID.
func NewChangeStateBuilder(processInstanceID string) *ChangeStateBuilder {
	return &ChangeStateBuilder{req: ChangeStateRequest{ProcessInstanceID: processInstanceID}}
}

func (b *ChangeStateBuilder) add(m MoveInstruction) *ChangeStateBuilder {
	b.req.Moves = append(b.req.Moves, m)
	return b
}

// MoveActivityIDTo moves every token on source to target.
func (b *ChangeStateBuilder) MoveActivityIDTo(source, target string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceActivityIDs: []string{source}, TargetActivityIDs: []string{target}})
}

// MoveActivityIDsToSingleActivityID joins the tokens on sources into target.
func (b *ChangeStateBuilder) MoveActivityIDsToSingleActivityID(sources []string, target string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceActivityIDs: copyIDs(sources), TargetActivityIDs: []string{target}})
}

// MoveSingleActivityIDToActivityIDs forks the tokens on source into targets.
func (b *ChangeStateBuilder) MoveSingleActivityIDToActivityIDs(source string, targets []string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceActivityIDs: []string{source}, TargetActivityIDs: copyIDs(targets)})
}

// MoveExecutionToActivityID moves one execution to target.
func (b *ChangeStateBuilder) MoveExecutionToActivityID(executionID, target string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceExecutionIDs: []string{executionID}, TargetActivityIDs: []string{target}})
}

// MoveExecutionsToSingleActivityID joins several executions into target.
func (b *ChangeStateBuilder) MoveExecutionsToSingleActivityID(executionIDs []string, target string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceExecutionIDs: copyIDs(executionIDs), TargetActivityIDs: []string{target}})
}

// MoveSingleExecutionToActivityIDs forks one execution into targets.
func (b *ChangeStateBuilder) MoveSingleExecutionToActivityIDs(executionID string, targets []string) *ChangeStateBuilder {
	return b.add(MoveInstruction{SourceExecutionIDs: []string{executionID}, TargetActivityIDs: copyIDs(targets)})
}

// MoveActivityIDToParentActivityID leaves a called process: its instance is
// cancelled and target is entered in the calling instance.
func (b *ChangeStateBuilder) MoveActivityIDToParentActivityID(source, target string) *ChangeStateBuilder {
	return b.add(MoveInstruction{
		Kind:              MoveToParentInstance,
		SourceActivityIDs: []string{source},
		TargetActivityIDs: []string{target},
	})
}

// MoveActivityIDToSubProcessInstanceActivityID moves the tokens on source into
// the call activity callActivityID and places the new called instance on target.
// A version above zero selects that version of the called definition.
func (b *ChangeStateBuilder) MoveActivityIDToSubProcessInstanceActivityID(source, target, callActivityID string, version int) *ChangeStateBuilder {
	return b.add(MoveInstruction{
		Kind:                    MoveToSubProcessInstance,
		SourceActivityIDs:       []string{source},
		TargetActivityIDs:       []string{target},
		CallActivityID:          callActivityID,
		CalledDefinitionVersion: version,
	})
}

// ProcessVariable sets a variable on the process instance.
func (b *ChangeStateBuilder) ProcessVariable(name string, value interface{}) *ChangeStateBuilder {
	b.req.ProcessVariables = append(b.req.ProcessVariables, Variable{Name: name, Value: value})
	return b
}

// LocalVariable sets a variable on the execution created for activityID.
func (b *ChangeStateBuilder) LocalVariable(activityID, name string, value interface{}) *ChangeStateBuilder {
	b.req.LocalVariables = append(b.req.LocalVariables, LocalVariable{ActivityID: activityID, Name: name, Value: value})
	return b
}

// Build returns the accumulated request. Later builder calls do not affect it.
func (b *ChangeStateBuilder) Build() ChangeStateRequest {
	req := b.req
	req.Moves = make([]MoveInstruction, len(b.req.Moves))
	for i, m := range b.req.Moves {
		m.SourceActivityIDs = copyIDs(m.SourceActivityIDs)
		m.SourceExecutionIDs = copyIDs(m.SourceExecutionIDs)
		m.TargetActivityIDs = copyIDs(m.TargetActivityIDs)
		req.Moves[i] = m
	}
	req.ProcessVariables = append([]Variable(nil), b.req.ProcessVariables...)
	req.LocalVariables = append([]LocalVariable(nil), b.req.LocalVariables...)
	return req
}

func copyIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	return append([]string(nil), ids...)
}

// ChangeState validates req against the live instance and applies all of its
// moves as one unit. Nothing changes when an error is returned.
func (e *Engine) ChangeState(ctx context.Context, req ChangeStateRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		e.metrics.RecordValidationError(ErrCodeInvalidRequest)
		return nil, NewValidationError(ErrCodeInvalidRequest, err.Error(), err).WithProcessInstance(req.ProcessInstanceID)
	}
	key, err := e.rootOf(ctx, req.ProcessInstanceID)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("process_instance_id", req.ProcessInstanceID).
		Int("moves", len(req.Moves)).
		Msg("Change state requested")

	events, err := e.run(ctx, "change_state", key, func(s *session) error {
		return s.changeState(req)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: req.ProcessInstanceID, Events: events}, nil
}
