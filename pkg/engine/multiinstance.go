package engine

import (
	"fmt"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// startMultiInstance turns the arriving token into the root of a loop over node
// and creates its members. A parallel loop creates every member at once; a
// sequential loop creates one and counts the rest as active but not yet started.
func (s *session) startMultiInstance(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	n, collection, err := s.loopCardinality(inst, exec, node)
	if err != nil {
		return err
	}
	mi := node.MultiInstance

	if err := inst.tree.Update(exec.ID, func(e *execution.Execution) {
		e.ActivityID = node.ID
		e.IsScope = true
		e.IsMultiInstanceRoot = true
		e.Sequential = mi.Sequential
		e.NrOfInstances = n
		e.NrOfActiveInstances = n
		e.NrOfCompletedInstances = 0
	}); err != nil {
		return classify(err)
	}
	if err := inst.tree.SetActive(exec.ID, false); err != nil {
		return classify(err)
	}

	s.emitActivity(inst, EventActivityStarted, exec, node)
	if err := s.applyLocals(inst, exec, node); err != nil {
		return err
	}
	if err := s.scheduleBoundaryTimers(inst, exec, node); err != nil {
		return err
	}

	s.eng.logger.Debug().
		Str("process_instance_id", inst.id).
		Str("activity_id", node.ID).
		Int("instances", n).
		Bool("sequential", mi.Sequential).
		Msg("Multi-instance loop started")

	if n == 0 {
		return s.finishLoop(inst, exec, node)
	}

	count := n
	if mi.Sequential {
		count = 1
	}
	members := make([]*execution.Execution, 0, count)
	for i := 0; i < count; i++ {
		m, err := s.createMember(inst, exec, node, i, collection)
		if err != nil {
			return err
		}
		members = append(members, m)
	}
	inst.tree.NormalizeConcurrency(exec.ID)

	for _, m := range members {
		if _, ok := inst.tree.Get(m.ID); !ok {
			continue
		}
		if err := s.execute(inst, m, node); err != nil {
			return err
		}
	}
	return nil
}

// loopCardinality evaluates the collection or cardinality of a loop.
func (s *session) loopCardinality(inst *instance, exec *execution.Execution, node *model.ActivityNode) (int, []interface{}, error) {
	mi := node.MultiInstance
	vars := inst.tree.VariablesFlattened(exec.ID)

	if mi.Collection != "" {
		list, err := s.eng.evaluator.EvalList(s.ctx, mi.Collection, vars)
		if err != nil {
			return 0, nil, NewValidationError(ErrCodeExpressionResolution,
				fmt.Sprintf("cannot resolve collection '%s' of multi-instance activity '%s'", mi.Collection, node.ID), err).
				WithProcessInstance(inst.id).
				WithActivity(node.ID)
		}
		return len(list), list, nil
	}

	n, err := s.eng.evaluator.EvalInt(s.ctx, mi.Cardinality, vars)
	if err == nil && n < 0 {
		err = fmt.Errorf("cardinality %d is negative", n)
	}
	if err != nil {
		return 0, nil, NewValidationError(ErrCodeExpressionResolution,
			fmt.Sprintf("cannot resolve cardinality '%s' of multi-instance activity '%s'", mi.Cardinality, node.ID), err).
			WithProcessInstance(inst.id).
			WithActivity(node.ID)
	}
	return n, nil, nil
}

// createMember adds loop instance index under root.
func (s *session) createMember(inst *instance, root *execution.Execution, node *model.ActivityNode, index int, collection []interface{}) (*execution.Execution, error) {
	m, err := inst.tree.CreateChild(root.ID, node.ID, false)
	if err != nil {
		return nil, classify(err)
	}
	if err := inst.tree.Update(m.ID, func(e *execution.Execution) { e.LoopCounter = index }); err != nil {
		return nil, classify(err)
	}
	if name := node.MultiInstance.ElementVariable; name != "" && index < len(collection) {
		if err := s.setLocalVariable(inst, m.ID, name, collection[index]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// completeMember records the completion of one loop instance.
func (s *session) completeMember(inst *instance, root, member *execution.Execution, node *model.ActivityNode) error {
	s.cancelJobs(inst, member.ID)
	s.emitActivity(inst, EventActivityCompleted, member, node)
	if _, err := inst.tree.Terminate(member.ID); err != nil {
		return classify(err)
	}
	if err := inst.tree.Update(root.ID, func(e *execution.Execution) {
		e.NrOfCompletedInstances++
		e.NrOfActiveInstances--
	}); err != nil {
		return classify(err)
	}
	inst.tree.NormalizeConcurrency(root.ID)
	return s.advanceLoop(inst, root, node)
}

// advanceLoop finishes the loop when it is done, or starts the next instance of
// a sequential loop that has none running.
func (s *session) advanceLoop(inst *instance, root *execution.Execution, node *model.ActivityNode) error {
	done, err := s.loopDone(inst, root, node)
	if err != nil {
		return err
	}
	if done {
		return s.finishLoop(inst, root, node)
	}
	if !root.Sequential || len(root.ChildIDs) > 0 || root.NrOfActiveInstances == 0 {
		return nil
	}

	index := root.NrOfCompletedInstances
	var collection []interface{}
	if node.MultiInstance.Collection != "" {
		_, collection, err = s.loopCardinality(inst, root, node)
		if err != nil {
			return err
		}
	}
	m, err := s.createMember(inst, root, node, index, collection)
	if err != nil {
		return err
	}
	return s.execute(inst, m, node)
}

// loopDone reports whether every instance completed or the completion condition holds.
func (s *session) loopDone(inst *instance, root *execution.Execution, node *model.ActivityNode) (bool, error) {
	if root.NrOfCompletedInstances >= root.NrOfInstances {
		return true, nil
	}
	cond := node.MultiInstance.CompletionCondition
	if cond == "" {
		return false, nil
	}
	done, err := s.eng.evaluator.EvalBool(s.ctx, cond, inst.tree.VariablesFlattened(root.ID))
	if err != nil {
		return false, NewValidationError(ErrCodeExpressionResolution,
			fmt.Sprintf("cannot resolve completion condition '%s' of multi-instance activity '%s'", cond, node.ID), err).
			WithProcessInstance(inst.id).
			WithActivity(node.ID)
	}
	return done, nil
}

// finishLoop cancels the remaining instances, turns the root back into a token
// and leaves the multi-instance activity.
func (s *session) finishLoop(inst *instance, root *execution.Execution, node *model.ActivityNode) error {
	for _, member := range inst.tree.Children(root.ID) {
		if err := s.cancelExecution(inst, member.ID); err != nil {
			return err
		}
	}
	if err := inst.tree.Update(root.ID, func(e *execution.Execution) {
		e.IsScope = false
		e.IsMultiInstanceRoot = false
		e.Sequential = false
		e.NrOfInstances = 0
		e.NrOfActiveInstances = 0
		e.NrOfCompletedInstances = 0
	}); err != nil {
		return classify(err)
	}
	if err := inst.tree.SetActive(root.ID, true); err != nil {
		return classify(err)
	}
	s.cancelJobs(inst, root.ID)
	s.emitActivity(inst, EventActivityCompleted, root, node)
	return s.takeOutgoing(inst, root, node)
}

// multiInstanceRoot returns the active loop root of activityID.
func (s *session) multiInstanceRoot(inst *instance, activityID string) (*execution.Execution, error) {
	for _, e := range inst.tree.FindByActivityID(activityID) {
		if e.IsMultiInstanceRoot {
			return e, nil
		}
	}
	return nil, NewValidationError(ErrCodeMultiInstanceNotFound,
		fmt.Sprintf("no active multi-instance execution found for activity '%s'", activityID), nil).
		WithProcessInstance(inst.id).
		WithActivity(activityID)
}
