package engine

import (
	"fmt"
	"sort"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// execute places exec on node and runs the node's behavior. Wait states return
// with the token in place; everything else moves on immediately.
func (s *session) execute(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	if err := s.step(); err != nil {
		return err
	}

	member := s.isLoopMember(inst, exec, node)
	if node.IsMultiInstance() && !member {
		return s.startMultiInstance(inst, exec, node)
	}

	if exec.ActivityID != node.ID {
		if err := inst.tree.SetActivity(exec.ID, node.ID); err != nil {
			return classify(err)
		}
	}
	s.emitActivity(inst, EventActivityStarted, exec, node)

	if node.Type != model.ActivitySubProcess {
		if err := s.applyLocals(inst, exec, node); err != nil {
			return err
		}
	}

	switch node.Type {
	case model.ActivityStartEvent, model.ActivityBoundaryEvent, model.ActivityServiceTask,
		model.ActivityExclusiveGateway:
		return s.leave(inst, exec, node)

	case model.ActivityEndEvent:
		s.emitActivity(inst, EventActivityCompleted, exec, node)
		return s.endToken(inst, exec)

	case model.ActivityTask, model.ActivityUserTask:
		if member {
			return nil
		}
		return s.scheduleBoundaryTimers(inst, exec, node)

	case model.ActivityIntermediateCatchEvent:
		return s.scheduleTimer(inst, exec, node, "")

	case model.ActivityParallelGateway, model.ActivityInclusiveGateway:
		if inst.graph.IncomingFlowCount(node.ID) > 1 {
			return s.arriveAtJoin(inst, exec, node)
		}
		return s.leave(inst, exec, node)

	case model.ActivitySubProcess:
		if err := inst.tree.Update(exec.ID, func(e *execution.Execution) { e.IsScope = true }); err != nil {
			return classify(err)
		}
		if err := inst.tree.SetActive(exec.ID, false); err != nil {
			return classify(err)
		}
		if err := s.initScope(inst, exec, node, !member); err != nil {
			return err
		}
		start, err := inst.graph.InitialActivity(node.ID)
		if err != nil {
			return classify(err).WithProcessInstance(inst.id)
		}
		child, err := inst.tree.CreateChild(exec.ID, start.ID, false)
		if err != nil {
			return classify(err)
		}
		return s.execute(inst, child, start)

	case model.ActivityCallActivity:
		if !member {
			if err := s.scheduleBoundaryTimers(inst, exec, node); err != nil {
				return err
			}
		}
		return s.startCalledInstance(inst, exec, node)

	default:
		return NewInvariantError(fmt.Sprintf("activity '%s' has unsupported type %d", node.ID, node.Type), nil).
			WithProcessInstance(inst.id).
			WithActivity(node.ID)
	}
}

// initScope seeds a freshly entered sub-process scope: data objects, attached
// local variables, then boundary timers.
func (s *session) initScope(inst *instance, scope *execution.Execution, node *model.ActivityNode, timers bool) error {
	for _, d := range node.DataObjects {
		if err := s.setLocalVariable(inst, scope.ID, d.Name, d.Value); err != nil {
			return err
		}
	}
	if err := s.applyLocals(inst, scope, node); err != nil {
		return err
	}
	if !timers {
		return nil
	}
	return s.scheduleBoundaryTimers(inst, scope, node)
}

// isLoopMember reports whether exec is one instance of the multi-instance activity node.
func (s *session) isLoopMember(inst *instance, exec *execution.Execution, node *model.ActivityNode) bool {
	if !node.IsMultiInstance() {
		return false
	}
	parent := inst.tree.Parent(exec.ID)
	return parent != nil && parent.IsMultiInstanceRoot && parent.ActivityID == node.ID
}

// leave completes the activity exec stands on and follows its outgoing flows.
func (s *session) leave(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	if s.isLoopMember(inst, exec, node) {
		return s.completeMember(inst, inst.tree.Parent(exec.ID), exec, node)
	}
	s.cancelJobs(inst, exec.ID)
	s.emitActivity(inst, EventActivityCompleted, exec, node)
	return s.takeOutgoing(inst, exec, node)
}

// takeOutgoing moves exec along the selected flows. A single flow moves the
// token in place; several flows replace it with one concurrent token per flow.
func (s *session) takeOutgoing(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	flows := inst.graph.Outgoing(node.ID)
	if len(flows) == 0 {
		return s.endToken(inst, exec)
	}

	selected, err := s.selectFlows(inst, exec, node, flows)
	if err != nil {
		return err
	}
	switch len(selected) {
	case 0:
		return NewValidationError(ErrCodeNoOutgoingFlow,
			fmt.Sprintf("no outgoing sequence flow of activity '%s' can be taken", node.ID), nil).
			WithProcessInstance(inst.id).
			WithExecution(exec.ID).
			WithActivity(node.ID)
	case 1:
		target, err := s.describe(inst, selected[0].Target)
		if err != nil {
			return err
		}
		return s.execute(inst, exec, target)
	}

	parentID := exec.ParentID
	if _, err := inst.tree.Terminate(exec.ID); err != nil {
		return classify(err)
	}

	type branch struct {
		exec *execution.Execution
		node *model.ActivityNode
	}
	branches := make([]branch, 0, len(selected))
	for _, flow := range selected {
		target, err := s.describe(inst, flow.Target)
		if err != nil {
			return err
		}
		child, err := inst.tree.CreateChild(parentID, target.ID, true)
		if err != nil {
			return classify(err)
		}
		branches = append(branches, branch{exec: child, node: target})
	}
	inst.tree.NormalizeConcurrency(parentID)

	for _, b := range branches {
		if _, ok := inst.tree.Get(b.exec.ID); !ok {
			continue
		}
		if err := s.execute(inst, b.exec, b.node); err != nil {
			return err
		}
	}
	return nil
}

// endToken removes a token that reached the end of its scope.
func (s *session) endToken(inst *instance, exec *execution.Execution) error {
	scopeID := exec.ParentID
	s.cancelJobs(inst, exec.ID)
	if _, err := inst.tree.Terminate(exec.ID); err != nil {
		return classify(err)
	}
	if s.deferEnds {
		s.ended = append(s.ended, scopeRef{inst: inst, id: scopeID})
		return nil
	}
	return s.scopeChildEnded(inst, scopeID)
}

// scopeChildEnded completes a scope once its last child is gone.
func (s *session) scopeChildEnded(inst *instance, scopeID string) error {
	scope, ok := inst.tree.Get(scopeID)
	if !ok {
		return nil
	}
	if len(scope.ChildIDs) > 0 {
		inst.tree.NormalizeConcurrency(scopeID)
		return nil
	}
	if scope.IsRoot() {
		return s.completeInstance(inst)
	}
	if scope.IsMultiInstanceRoot {
		return nil
	}

	node, err := s.describe(inst, scope.ActivityID)
	if err != nil {
		return err
	}
	if err := s.clearLocalVariables(inst, scope.ID); err != nil {
		return err
	}
	if err := inst.tree.Update(scope.ID, func(e *execution.Execution) { e.IsScope = false }); err != nil {
		return classify(err)
	}
	if err := inst.tree.SetActive(scope.ID, true); err != nil {
		return classify(err)
	}
	return s.leave(inst, scope, node)
}

// completeInstance ends a process instance whose root scope has no children left.
// A called instance hands control back to its calling execution.
func (s *session) completeInstance(inst *instance) error {
	root := inst.tree.Root()
	if root == nil {
		return nil
	}
	s.cancelJobs(inst, root.ID)
	if _, err := inst.tree.Terminate(root.ID); err != nil {
		return classify(err)
	}
	inst.state = InstanceStateCompleted
	ended := s.eng.now().UTC()
	inst.endedAt = &ended
	s.emitProcess(inst, EventProcessCompleted, "")

	superExecID := inst.tree.SuperExecutionID()
	if superExecID == "" || inst.superProcessInstanceID == "" {
		return nil
	}
	parent, err := s.instance(inst.superProcessInstanceID)
	if err != nil {
		return err
	}
	superExec, ok := parent.tree.Get(superExecID)
	if !ok || superExec.SubProcessInstanceID != inst.id {
		return nil
	}
	if err := parent.tree.Update(superExecID, func(e *execution.Execution) { e.SubProcessInstanceID = "" }); err != nil {
		return classify(err)
	}
	node, err := s.describe(parent, superExec.ActivityID)
	if err != nil {
		return err
	}
	return s.leave(parent, superExec, node)
}

// startCalledInstance starts the process referenced by a call activity and
// links it to exec.
func (s *session) startCalledInstance(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	override := s.callOverrides[node.ID]
	delete(s.callOverrides, node.ID)

	var graph *model.Graph
	if override != nil {
		graph = override.graph
	} else {
		var err error
		graph, err = s.resolveCalledGraph(inst, exec.ID, node, node.CalledElementVersion)
		if err != nil {
			return err
		}
	}

	sub := s.newInstance(s.eng.newID(), graph, inst, exec)
	if err := inst.tree.Update(exec.ID, func(e *execution.Execution) { e.SubProcessInstanceID = sub.id }); err != nil {
		return classify(err)
	}
	s.emitProcess(sub, EventProcessStarted, "")
	if err := s.initProcess(sub, nil); err != nil {
		return err
	}

	if override != nil {
		return s.placeCalledTargets(sub, override.targets)
	}
	start, err := sub.graph.InitialActivity("")
	if err != nil {
		return classify(err).WithProcessInstance(sub.id)
	}
	token, err := sub.tree.CreateChild(sub.id, start.ID, false)
	if err != nil {
		return classify(err)
	}
	return s.execute(sub, token, start)
}

// resolveCalledGraph resolves the calledElement of a call activity against the
// variables visible from executionID.
func (s *session) resolveCalledGraph(inst *instance, executionID string, node *model.ActivityNode, version int) (*model.Graph, error) {
	key, err := s.eng.evaluator.ResolveString(s.ctx, node.CalledElement, inst.tree.VariablesFlattened(executionID))
	if err != nil || key == "" {
		return nil, NewValidationError(ErrCodeExpressionResolution,
			fmt.Sprintf("cannot resolve calledElement expression '%s'", node.CalledElement), err).
			WithProcessInstance(inst.id).
			WithActivity(node.ID)
	}
	graph, err := s.eng.repo.Resolve(key, version)
	if err != nil {
		return nil, classify(err).WithProcessInstance(inst.id).WithActivity(node.ID)
	}
	return graph, nil
}

// initProcess creates the modeled data objects and the start variables on the root.
func (s *session) initProcess(inst *instance, vars map[string]interface{}) error {
	root := inst.tree.Root()
	for _, d := range inst.graph.Definition().DataObjects {
		if err := s.setLocalVariable(inst, root.ID, d.Name, d.Value); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(vars) {
		if err := s.setLocalVariable(inst, root.ID, name, vars[name]); err != nil {
			return err
		}
	}
	return nil
}

func sortedNames(vars map[string]interface{}) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
