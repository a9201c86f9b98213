package engine

import (
	"context"
	"fmt"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// StartProcessInstance starts the latest version of the definition deployed under key.
func (e *Engine) StartProcessInstance(ctx context.Context, key string, vars map[string]interface{}) (*ProcessInstance, error) {
	graph, err := e.repo.Latest(key)
	if err != nil {
		return nil, classify(err)
	}
	return e.start(ctx, graph, vars)
}

// StartProcessInstanceByID starts a specific definition version.
func (e *Engine) StartProcessInstanceByID(ctx context.Context, definitionID string, vars map[string]interface{}) (*ProcessInstance, error) {
	graph, err := e.repo.ByID(definitionID)
	if err != nil {
		return nil, classify(err)
	}
	return e.start(ctx, graph, vars)
}

func (e *Engine) start(ctx context.Context, graph *model.Graph, vars map[string]interface{}) (*ProcessInstance, error) {
	id := e.newID()
	var inst *instance
	_, err := e.run(ctx, "start", id, func(s *session) error {
		inst = s.newInstance(id, graph, nil, nil)
		s.emitProcess(inst, EventProcessStarted, "")
		if err := s.initProcess(inst, vars); err != nil {
			return err
		}
		initial, err := graph.InitialActivity("")
		if err != nil {
			return classify(err).WithProcessInstance(id)
		}
		token, err := inst.tree.CreateChild(id, initial.ID, false)
		if err != nil {
			return classify(err)
		}
		return s.execute(inst, token, initial)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("process_instance_id", id).
		Str("definition_id", graph.DefinitionID()).
		Msg("Process instance started")
	return inst.view(), nil
}

// Trigger completes the wait state executionID stands on, after writing vars
// through the variable scopes visible from it.
func (e *Engine) Trigger(ctx context.Context, executionID string, vars map[string]interface{}) (*Result, error) {
	piID, err := e.locateExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	key, err := e.rootOf(ctx, piID)
	if err != nil {
		return nil, err
	}

	events, err := e.run(ctx, "trigger", key, func(s *session) error {
		inst, err := s.activeInstance(piID)
		if err != nil {
			return err
		}
		exec, ok := inst.tree.Get(executionID)
		if !ok {
			return NewValidationError(ErrCodeExecutionNotFound,
				fmt.Sprintf("execution '%s' does not exist", executionID), nil).WithExecution(executionID)
		}
		node, err := s.describe(inst, exec.ActivityID)
		if err != nil {
			return err
		}
		if !exec.IsActive || len(exec.ChildIDs) > 0 || !node.Type.IsWaitState() || exec.SubProcessInstanceID != "" {
			return NewConflictError(ErrCodeExecutionNotWaiting,
				fmt.Sprintf("execution '%s' is not waiting in activity '%s'", executionID, exec.ActivityID), nil).
				WithProcessInstance(piID).
				WithExecution(executionID).
				WithActivity(exec.ActivityID)
		}

		for _, name := range sortedNames(vars) {
			if err := s.setVariable(inst, exec.ID, name, vars[name]); err != nil {
				return err
			}
		}
		s.emitActivity(inst, EventActivitySignaled, exec, node)
		return s.leave(inst, exec, node)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: piID, Events: events}, nil
}

// FireTimer fires a due timer job. The engine does not track time itself;
// a worker decides when a job is due.
func (e *Engine) FireTimer(ctx context.Context, jobID string) (*Result, error) {
	piID, err := e.locateJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	key, err := e.rootOf(ctx, piID)
	if err != nil {
		return nil, err
	}

	events, err := e.run(ctx, "fire_timer", key, func(s *session) error {
		inst, err := s.activeInstance(piID)
		if err != nil {
			return err
		}
		job, ok := inst.jobs[jobID]
		if !ok {
			return NewValidationError(ErrCodeJobNotFound, fmt.Sprintf("job '%s' does not exist", jobID), nil).
				WithProcessInstance(piID)
		}
		return s.fireTimer(inst, job)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: piID, Events: events}, nil
}

// CancelProcessInstance cancels an active instance and everything it called.
func (e *Engine) CancelProcessInstance(ctx context.Context, id, reason string) (*Result, error) {
	key, err := e.rootOf(ctx, id)
	if err != nil {
		return nil, err
	}

	events, err := e.run(ctx, "cancel", key, func(s *session) error {
		inst, err := s.activeInstance(id)
		if err != nil {
			return err
		}
		if err := s.cancelInstance(inst, reason); err != nil {
			return err
		}
		return s.unlinkSuperExecution(inst)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: id, Events: events}, nil
}

// unlinkSuperExecution clears the call link of the execution that started inst.
func (s *session) unlinkSuperExecution(inst *instance) error {
	if inst.superProcessInstanceID == "" {
		return nil
	}
	parent, err := s.instance(inst.superProcessInstanceID)
	if err != nil {
		return err
	}
	superExec, ok := parent.tree.Get(inst.tree.SuperExecutionID())
	if !ok || superExec.SubProcessInstanceID != inst.id {
		return nil
	}
	if err := parent.tree.Update(superExec.ID, func(e *execution.Execution) { e.SubProcessInstanceID = "" }); err != nil {
		return classify(err)
	}
	return nil
}

// AddMultiInstanceExecution adds one instance to the running loop of activityID.
// A parallel loop starts the new instance at once with vars as its local
// variables; a sequential loop runs it after the current ones and takes no vars.
func (e *Engine) AddMultiInstanceExecution(ctx context.Context, processInstanceID, activityID string, vars map[string]interface{}) (*Result, error) {
	key, err := e.rootOf(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	events, err := e.run(ctx, "add_multi_instance", key, func(s *session) error {
		inst, err := s.activeInstance(processInstanceID)
		if err != nil {
			return err
		}
		node, err := s.describe(inst, activityID)
		if err != nil {
			return err
		}
		root, err := s.multiInstanceRoot(inst, activityID)
		if err != nil {
			return err
		}
		if root.Sequential && len(vars) > 0 {
			return NewValidationError(ErrCodeInvalidRequest,
				fmt.Sprintf("cannot attach variables to a new instance of sequential multi-instance activity '%s'", activityID), nil).
				WithProcessInstance(processInstanceID).
				WithActivity(activityID)
		}

		if err := inst.tree.Update(root.ID, func(x *execution.Execution) {
			x.NrOfInstances++
			x.NrOfActiveInstances++
		}); err != nil {
			return classify(err)
		}
		if root.Sequential {
			return nil
		}

		member, err := s.createMember(inst, root, node, root.NrOfInstances-1, nil)
		if err != nil {
			return err
		}
		for _, name := range sortedNames(vars) {
			if err := s.setLocalVariable(inst, member.ID, name, vars[name]); err != nil {
				return err
			}
		}
		inst.tree.NormalizeConcurrency(root.ID)
		return s.execute(inst, member, node)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: processInstanceID, Events: events}, nil
}

// DeleteMultiInstanceExecution removes one loop instance. With markCompleted it
// counts as completed; otherwise it is taken out of nrOfInstances.
func (e *Engine) DeleteMultiInstanceExecution(ctx context.Context, executionID string, markCompleted bool) (*Result, error) {
	piID, err := e.locateExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	key, err := e.rootOf(ctx, piID)
	if err != nil {
		return nil, err
	}

	events, err := e.run(ctx, "delete_multi_instance", key, func(s *session) error {
		inst, err := s.activeInstance(piID)
		if err != nil {
			return err
		}
		member, ok := inst.tree.Get(executionID)
		if !ok {
			return NewValidationError(ErrCodeExecutionNotFound,
				fmt.Sprintf("execution '%s' does not exist", executionID), nil).WithExecution(executionID)
		}
		root := inst.tree.Parent(executionID)
		if root == nil || !root.IsMultiInstanceRoot || root.ActivityID != member.ActivityID {
			return NewValidationError(ErrCodeMultiInstanceNotFound,
				fmt.Sprintf("execution '%s' is not an instance of a multi-instance activity", executionID), nil).
				WithProcessInstance(piID).
				WithExecution(executionID)
		}
		node, err := s.describe(inst, root.ActivityID)
		if err != nil {
			return err
		}

		if err := s.cancelExecution(inst, member.ID); err != nil {
			return err
		}
		if err := inst.tree.Update(root.ID, func(x *execution.Execution) {
			x.NrOfActiveInstances--
			if markCompleted {
				x.NrOfCompletedInstances++
			} else {
				x.NrOfInstances--
			}
		}); err != nil {
			return classify(err)
		}
		inst.tree.NormalizeConcurrency(root.ID)
		return s.advanceLoop(inst, root, node)
	})
	if err != nil {
		return nil, err
	}
	return &Result{ProcessInstanceID: piID, Events: events}, nil
}
