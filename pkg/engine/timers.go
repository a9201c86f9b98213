package engine

import (
	"fmt"
	"sort"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// scheduleBoundaryTimers schedules the timers of every boundary event attached to node,
// in declaration order, on the execution of node.
func (s *session) scheduleBoundaryTimers(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	for _, boundary := range inst.graph.BoundaryEvents(node.ID) {
		if !boundary.HasTimer() {
			continue
		}
		if err := s.scheduleTimer(inst, exec, boundary, node.ID); err != nil {
			return err
		}
	}
	return nil
}

// scheduleTimer creates the timer job of origin on exec. While jobs are pooled
// a pooled job of the same origin is moved to exec instead, without events.
func (s *session) scheduleTimer(inst *instance, exec *execution.Execution, origin *model.ActivityNode, attachedTo string) error {
	if s.pooling {
		for i, p := range s.pool {
			if p.inst != inst || p.job.ActivityID != origin.ID || p.job.AttachedActivityID != attachedTo {
				continue
			}
			s.pool = append(s.pool[:i], s.pool[i+1:]...)
			p.job.ExecutionID = exec.ID
			s.putJob(inst, p.job)
			return nil
		}
	}

	timer, err := s.resolveTimer(inst, exec, origin)
	if err != nil {
		return err
	}
	now := s.eng.now().UTC()
	due, err := DueDate(timer, now)
	if err != nil {
		return NewValidationError(ErrCodeExpressionResolution,
			fmt.Sprintf("cannot compute the due date of timer '%s'", origin.ID), err).
			WithProcessInstance(inst.id).
			WithActivity(origin.ID)
	}

	job := &Job{
		ID:                  s.eng.newID(),
		ProcessInstanceID:   inst.id,
		ProcessDefinitionID: inst.graph.DefinitionID(),
		ExecutionID:         exec.ID,
		ActivityID:          origin.ID,
		AttachedActivityID:  attachedTo,
		Interrupting:        attachedTo != "" && origin.IsInterrupting(),
		DueDate:             due,
		Cycle:               timer.Cycle,
		CreatedAt:           now,
	}
	s.putJob(inst, job)
	s.em.emit(s.jobEvent(inst, EventTimerScheduled, job))
	return nil
}

// resolveTimer evaluates expressions in a timer definition.
func (s *session) resolveTimer(inst *instance, exec *execution.Execution, origin *model.ActivityNode) (*model.TimerDefinition, error) {
	def := *origin.Timer
	vars := inst.tree.VariablesFlattened(exec.ID)
	for _, field := range []*string{&def.Duration, &def.Date, &def.Cycle} {
		if *field == "" {
			continue
		}
		v, err := s.eng.evaluator.ResolveString(s.ctx, *field, vars)
		if err != nil {
			return nil, NewValidationError(ErrCodeExpressionResolution,
				fmt.Sprintf("cannot resolve timer expression '%s' of activity '%s'", *field, origin.ID), err).
				WithProcessInstance(inst.id).
				WithActivity(origin.ID)
		}
		*field = v
	}
	return &def, nil
}

// cancelJobs removes the jobs owned by an execution. While jobs are pooled they
// are parked instead; drainPool cancels whatever is not picked up again.
func (s *session) cancelJobs(inst *instance, executionID string) {
	for _, job := range inst.jobsOf(executionID) {
		if s.pooling {
			delete(inst.jobs, job.ID)
			s.pool = append(s.pool, pooledJob{inst: inst, job: job})
			continue
		}
		s.dropJob(inst, job.ID)
		s.em.emit(s.jobEvent(inst, EventJobCanceled, job))
	}
}

// drainPool stops pooling and cancels every parked job, oldest-declared origin first.
func (s *session) drainPool() {
	s.pooling = false
	rank := make(map[string]int, len(s.order))
	for i, id := range s.order {
		rank[id] = i
	}
	pool := s.pool
	s.pool = nil
	sort.SliceStable(pool, func(a, b int) bool {
		pa, pb := pool[a], pool[b]
		if pa.inst != pb.inst {
			return rank[pa.inst.id] < rank[pb.inst.id]
		}
		da, db := pa.inst.graph.DeclarationIndex(pa.job.ActivityID), pb.inst.graph.DeclarationIndex(pb.job.ActivityID)
		if da != db {
			return da < db
		}
		return pa.job.CreatedAt.Before(pb.job.CreatedAt)
	})
	for _, p := range pool {
		s.dropJob(p.inst, p.job.ID)
		s.em.emitIn(phaseJobsCancelled, s.jobEvent(p.inst, EventJobCanceled, p.job))
	}
}

// fireTimer runs the effect of a due timer job.
func (s *session) fireTimer(inst *instance, job *Job) error {
	exec, ok := inst.tree.Get(job.ExecutionID)
	if !ok {
		return NewInvariantError(fmt.Sprintf("job '%s' points to missing execution '%s'", job.ID, job.ExecutionID), nil).
			WithProcessInstance(inst.id)
	}
	origin, err := s.describe(inst, job.ActivityID)
	if err != nil {
		return err
	}
	s.em.emit(s.jobEvent(inst, EventTimerFired, job))

	switch {
	case !job.IsBoundary():
		s.dropJob(inst, job.ID)
		return s.leave(inst, exec, origin)
	case job.Interrupting:
		s.dropJob(inst, job.ID)
		return s.interrupt(inst, exec, origin)
	}

	if job.Cycle != "" {
		next, err := NextCycle(job.Cycle, s.eng.now())
		if err != nil {
			return NewValidationError(ErrCodeExpressionResolution, err.Error(), err).WithActivity(origin.ID)
		}
		rescheduled := job.Clone()
		rescheduled.DueDate = next
		s.putJob(inst, rescheduled)
		s.em.emit(s.jobEvent(inst, EventTimerScheduled, rescheduled))
	} else {
		s.dropJob(inst, job.ID)
	}

	token, err := inst.tree.CreateChild(exec.ParentID, origin.ID, true)
	if err != nil {
		return classify(err)
	}
	inst.tree.NormalizeConcurrency(exec.ParentID)
	return s.execute(inst, token, origin)
}

// interrupt cancels the activity exec stands on, including everything nested in
// it, and continues from the boundary event on the same execution.
func (s *session) interrupt(inst *instance, exec *execution.Execution, boundary *model.ActivityNode) error {
	attached, err := s.describe(inst, exec.ActivityID)
	if err != nil {
		return err
	}
	for _, child := range inst.tree.Children(exec.ID) {
		if err := s.cancelExecution(inst, child.ID); err != nil {
			return err
		}
	}
	s.cancelJobs(inst, exec.ID)
	if err := s.cancelCalledInstance(exec); err != nil {
		return err
	}
	s.emitActivity(inst, EventActivityCancelled, exec, attached)

	if err := s.clearLocalVariables(inst, exec.ID); err != nil {
		return err
	}
	if err := inst.tree.Update(exec.ID, func(e *execution.Execution) {
		e.IsScope = false
		e.IsMultiInstanceRoot = false
		e.Sequential = false
		e.NrOfInstances = 0
		e.NrOfActiveInstances = 0
		e.NrOfCompletedInstances = 0
		e.SubProcessInstanceID = ""
	}); err != nil {
		return classify(err)
	}
	if err := inst.tree.SetActive(exec.ID, true); err != nil {
		return classify(err)
	}
	return s.execute(inst, exec, boundary)
}

// cancelExecution removes an execution and its descendants, cancelling their
// jobs and called instances and emitting ACTIVITY_CANCELLED deepest first.
func (s *session) cancelExecution(inst *instance, id string) error {
	e, ok := inst.tree.Get(id)
	if !ok {
		return nil
	}
	if err := s.cancelSubtree(inst, e); err != nil {
		return err
	}
	if _, err := inst.tree.Terminate(id); err != nil {
		return classify(err)
	}
	return nil
}

func (s *session) cancelSubtree(inst *instance, e *execution.Execution) error {
	for _, child := range inst.tree.Children(e.ID) {
		if err := s.cancelSubtree(inst, child); err != nil {
			return err
		}
	}
	s.cancelJobs(inst, e.ID)
	if err := s.cancelCalledInstance(e); err != nil {
		return err
	}
	if e.ActivityID == "" {
		return nil
	}
	node, err := s.describe(inst, e.ActivityID)
	if err != nil {
		return err
	}
	s.emitActivity(inst, EventActivityCancelled, e, node)
	return nil
}

// cancelCalledInstance cancels the process instance a call activity execution waits for.
func (s *session) cancelCalledInstance(e *execution.Execution) error {
	if e.SubProcessInstanceID == "" {
		return nil
	}
	sub, err := s.instance(e.SubProcessInstanceID)
	if err != nil {
		return err
	}
	if !sub.state.IsActive() {
		return nil
	}
	return s.cancelInstance(sub, "calling execution cancelled")
}

// cancelInstance cancels every execution of a process instance and ends it.
func (s *session) cancelInstance(inst *instance, reason string) error {
	root := inst.tree.Root()
	if root != nil {
		for _, child := range inst.tree.Children(root.ID) {
			if err := s.cancelExecution(inst, child.ID); err != nil {
				return err
			}
		}
		s.cancelJobs(inst, root.ID)
		if _, err := inst.tree.Terminate(root.ID); err != nil {
			return classify(err)
		}
	}
	inst.state = InstanceStateCancelled
	ended := s.eng.now().UTC()
	inst.endedAt = &ended
	s.emitProcess(inst, EventProcessCancelled, reason)
	return nil
}
