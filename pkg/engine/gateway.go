package engine

import (
	"fmt"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// selectFlows picks the outgoing flows a token takes when leaving node.
// Parallel gateways take every flow. Exclusive gateways take the first flow
// whose condition holds. Everything else takes every flow whose condition
// holds. The default flow is taken only when nothing else is.
func (s *session) selectFlows(inst *instance, exec *execution.Execution, node *model.ActivityNode, flows []*model.SequenceFlow) ([]*model.SequenceFlow, error) {
	if node.Type == model.ActivityParallelGateway {
		return flows, nil
	}

	var vars map[string]interface{}
	var selected []*model.SequenceFlow
	var fallback *model.SequenceFlow
	for _, flow := range flows {
		if flow.ID == node.Default {
			fallback = flow
			continue
		}
		taken := true
		if flow.Condition != "" {
			if vars == nil {
				vars = inst.tree.VariablesFlattened(exec.ID)
			}
			ok, err := s.eng.evaluator.EvalBool(s.ctx, flow.Condition, vars)
			if err != nil {
				return nil, NewValidationError(ErrCodeExpressionResolution,
					fmt.Sprintf("cannot resolve condition '%s' of sequence flow '%s'", flow.Condition, flow.ID), err).
					WithProcessInstance(inst.id).
					WithExecution(exec.ID).
					WithActivity(node.ID)
			}
			taken = ok
		}
		if !taken {
			continue
		}
		selected = append(selected, flow)
		if node.Type == model.ActivityExclusiveGateway {
			break
		}
	}

	if len(selected) == 0 && fallback != nil {
		selected = append(selected, fallback)
	}
	return selected, nil
}

// arriveAtJoin merges exec into the join waiting on node within the same parent.
// The first arrival becomes the waiting join; later arrivals are absorbed into it.
func (s *session) arriveAtJoin(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	parentID := exec.ParentID

	var join *execution.Execution
	for _, sibling := range inst.tree.Children(parentID) {
		if sibling.ID != exec.ID && sibling.ActivityID == node.ID && sibling.IsWaitingJoin() {
			join = sibling
			break
		}
	}

	if join == nil {
		if err := inst.tree.Update(exec.ID, func(e *execution.Execution) { e.JoinArrivals = 1 }); err != nil {
			return classify(err)
		}
		if err := inst.tree.SetActive(exec.ID, false); err != nil {
			return classify(err)
		}
		join = exec
	} else {
		if _, err := inst.tree.Terminate(exec.ID); err != nil {
			return classify(err)
		}
		if err := inst.tree.Update(join.ID, func(e *execution.Execution) { e.JoinArrivals++ }); err != nil {
			return classify(err)
		}
		inst.tree.NormalizeConcurrency(parentID)
	}

	s.eng.logger.Debug().
		Str("process_instance_id", inst.id).
		Str("gateway", node.ID).
		Int("arrivals", join.JoinArrivals).
		Int("incoming", inst.graph.IncomingFlowCount(node.ID)).
		Msg("Token arrived at join")

	if !s.joinSatisfied(inst, join, node) {
		return nil
	}
	return s.fireJoin(inst, join, node)
}

// joinSatisfied reports whether a waiting join may fire. A parallel join needs
// one arrival per incoming flow. An inclusive join needs every other token of
// its scope to be unable to reach it.
func (s *session) joinSatisfied(inst *instance, join *execution.Execution, node *model.ActivityNode) bool {
	switch node.Type {
	case model.ActivityParallelGateway:
		return join.JoinArrivals >= inst.graph.IncomingFlowCount(node.ID)
	case model.ActivityInclusiveGateway:
		for _, sibling := range inst.tree.Children(join.ParentID) {
			if sibling.ID == join.ID || sibling.ActivityID == "" {
				continue
			}
			if inst.graph.CanReach(sibling.ActivityID, node.ID) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// fireJoin turns a satisfied join back into a token and moves it on.
func (s *session) fireJoin(inst *instance, join *execution.Execution, node *model.ActivityNode) error {
	if err := inst.tree.Update(join.ID, func(e *execution.Execution) { e.JoinArrivals = 0 }); err != nil {
		return classify(err)
	}
	if err := inst.tree.SetActive(join.ID, true); err != nil {
		return classify(err)
	}
	inst.tree.NormalizeConcurrency(join.ParentID)
	s.eng.metrics.RecordJoinFired(node.Type.String())
	return s.leave(inst, join, node)
}

// fireableInclusiveJoin returns a waiting inclusive join that no token can reach any more.
func (s *session) fireableInclusiveJoin(inst *instance) (*execution.Execution, *model.ActivityNode) {
	for _, e := range inst.tree.Executions() {
		if !e.IsWaitingJoin() {
			continue
		}
		node, err := inst.graph.Describe(e.ActivityID)
		if err != nil || node.Type != model.ActivityInclusiveGateway {
			continue
		}
		if s.joinSatisfied(inst, e, node) {
			return e, node
		}
	}
	return nil, nil
}
