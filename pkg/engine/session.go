package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// session is one operation in progress. It works on clones of the instances it
// touches; the engine only sees them after a successful commit.
type session struct {
	ctx context.Context
	eng *Engine

	instances map[string]*instance
	order     []string

	em    *emitter
	steps int

	savedJobs   map[string]*Job
	deletedJobs map[string]struct{}

	// pooling collects cancelled jobs instead of cancelling them, so a timer
	// whose activity is re-entered in the same operation keeps its job.
	pooling bool
	pool    []pooledJob

	// deferEnds postpones completion of emptied scopes until every target is placed.
	deferEnds bool
	ended     []scopeRef

	pendingLocals map[string][]Variable
	callOverrides map[string]*callOverride
}

type pooledJob struct {
	inst *instance
	job  *Job
}

type scopeRef struct {
	inst *instance
	id   string
}

// callOverride places the tokens of a called instance on targets instead of its start event.
type callOverride struct {
	graph   *model.Graph
	targets []*model.ActivityNode
}

func newSession(ctx context.Context, eng *Engine) *session {
	return &session{
		ctx:           ctx,
		eng:           eng,
		instances:     make(map[string]*instance),
		em:            newEmitter(),
		savedJobs:     make(map[string]*Job),
		deletedJobs:   make(map[string]struct{}),
		pendingLocals: make(map[string][]Variable),
		callOverrides: make(map[string]*callOverride),
	}
}

// instance returns the working copy of an instance, cloning it on first access.
func (s *session) instance(id string) (*instance, error) {
	if inst, ok := s.instances[id]; ok {
		return inst, nil
	}
	committed, err := s.eng.lookup(s.ctx, id)
	if err != nil {
		return nil, err
	}
	inst := committed.clone()
	s.track(inst)
	return inst, nil
}

// activeInstance returns the working copy of an instance that has not ended.
func (s *session) activeInstance(id string) (*instance, error) {
	inst, err := s.instance(id)
	if err != nil {
		return nil, err
	}
	if !inst.state.IsActive() {
		return nil, NewConflictError(ErrCodeProcessInstanceNotActive,
			fmt.Sprintf("process instance '%s' is %s", id, inst.state), nil).WithProcessInstance(id)
	}
	return inst, nil
}

func (s *session) track(inst *instance) {
	s.instances[inst.id] = inst
	s.order = append(s.order, inst.id)
}

// newInstance creates a process instance holding only its root execution.
// superExec and parent are set for instances started by a call activity.
func (s *session) newInstance(id string, graph *model.Graph, parent *instance, superExec *execution.Execution) *instance {
	opts := []execution.Option{
		execution.WithIDGenerator(s.eng.newID),
		execution.WithClock(s.eng.now),
	}
	superPI := ""
	if parent != nil && superExec != nil {
		opts = append(opts, execution.WithSuperExecution(superExec.ID, parent.tree.RootProcessInstanceID()))
		superPI = parent.id
	}

	inst := &instance{
		id:                     id,
		graph:                  graph,
		tree:                   execution.NewTree(id, graph.DefinitionID(), opts...),
		state:                  InstanceStateActive,
		superProcessInstanceID: superPI,
		startedAt:              s.eng.now().UTC(),
		jobs:                   make(map[string]*Job),
	}
	s.track(inst)
	return inst
}

func (s *session) step() error {
	s.steps++
	if s.steps > s.eng.maxSteps {
		return &EngineError{
			Class:   ErrorClassInvariant,
			Code:    ErrCodeStepLimitExceeded,
			Message: fmt.Sprintf("operation exceeded %d activity executions", s.eng.maxSteps),
		}
	}
	return nil
}

func (s *session) describe(inst *instance, activityID string) (*model.ActivityNode, error) {
	node, err := inst.graph.Describe(activityID)
	if err != nil {
		return nil, classify(err).WithProcessInstance(inst.id)
	}
	return node, nil
}

// Events

func (s *session) event(inst *instance, t EventType, executionID string) Event {
	return Event{
		ID:                  s.eng.newID(),
		Type:                t,
		ProcessInstanceID:   inst.id,
		ExecutionID:         executionID,
		ProcessDefinitionID: inst.graph.DefinitionID(),
		Timestamp:           s.eng.now().UTC(),
	}
}

func (s *session) emitActivity(inst *instance, t EventType, exec *execution.Execution, node *model.ActivityNode) {
	ev := s.event(inst, t, exec.ID)
	ev.ActivityID = node.ID
	ev.ActivityType = node.Type.String()
	s.em.emit(ev)
}

func (s *session) emitProcess(inst *instance, t EventType, reason string) {
	ev := s.event(inst, t, inst.id)
	ev.Reason = reason
	s.em.emit(ev)
}

func (s *session) jobEvent(inst *instance, t EventType, job *Job) Event {
	ev := s.event(inst, t, job.ExecutionID)
	ev.ActivityID = job.ActivityID
	if node, err := inst.graph.Describe(job.ActivityID); err == nil {
		ev.ActivityType = node.Type.String()
	}
	ev.Job = job.Clone()
	return ev
}

// Variables

// setLocalVariable writes a variable on the execution itself.
func (s *session) setLocalVariable(inst *instance, executionID, name string, value interface{}) error {
	created, err := inst.tree.SetVariableLocal(executionID, name, value)
	if err != nil {
		return classify(err)
	}
	s.emitVariable(inst, executionID, name, value, created)
	return nil
}

// setVariable updates the nearest execution holding the variable, or creates it on the root.
func (s *session) setVariable(inst *instance, executionID, name string, value interface{}) error {
	target, created, err := inst.tree.SetVariable(executionID, name, value)
	if err != nil {
		return classify(err)
	}
	s.emitVariable(inst, target, name, value, created)
	return nil
}

func (s *session) emitVariable(inst *instance, executionID, name string, value interface{}, created bool) {
	t := EventVariableUpdated
	if created {
		t = EventVariableCreated
	}
	ev := s.event(inst, t, executionID)
	if e, ok := inst.tree.Get(executionID); ok {
		ev.ActivityID = e.ActivityID
	}
	ev.VariableName = name
	ev.VariableValue = value
	s.em.emit(ev)
}

// clearLocalVariables removes the variables of a scope that is being left.
func (s *session) clearLocalVariables(inst *instance, executionID string) error {
	e, ok := inst.tree.Get(executionID)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(e.Variables))
	for name := range e.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := inst.tree.RemoveVariableLocal(executionID, name); err != nil {
			return classify(err)
		}
	}
	return nil
}

// applyLocals writes the local variables a change-state request attached to an activity.
// They are applied to the first execution created for that activity.
func (s *session) applyLocals(inst *instance, exec *execution.Execution, node *model.ActivityNode) error {
	vars, ok := s.pendingLocals[node.ID]
	if !ok {
		return nil
	}
	delete(s.pendingLocals, node.ID)
	for _, v := range vars {
		if err := s.setLocalVariable(inst, exec.ID, v.Name, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// Jobs

func (s *session) putJob(inst *instance, job *Job) {
	inst.jobs[job.ID] = job
	s.savedJobs[job.ID] = job
	delete(s.deletedJobs, job.ID)
}

func (s *session) dropJob(inst *instance, jobID string) {
	delete(inst.jobs, jobID)
	delete(s.savedJobs, jobID)
	s.deletedJobs[jobID] = struct{}{}
}

// Completion

// settle fires inclusive joins that no live branch can reach any more and
// normalizes concurrency flags of every touched instance.
func (s *session) settle() error {
	for i := 0; i < len(s.order); i++ {
		inst := s.instances[s.order[i]]
		for {
			join, node := s.fireableInclusiveJoin(inst)
			if join == nil {
				break
			}
			if err := s.fireJoin(inst, join, node); err != nil {
				return err
			}
		}
		for _, e := range inst.tree.Executions() {
			if len(e.ChildIDs) > 0 {
				inst.tree.NormalizeConcurrency(e.ID)
			}
		}
	}
	return nil
}

// commit validates every working copy, writes it through the persistence
// collaborator, dispatches events and publishes the working copies.
func (s *session) commit() ([]Event, error) {
	events := s.em.flush()

	edits := make(map[string][]execution.Edit, len(s.order))
	created, terminated := 0, 0
	for _, id := range s.order {
		inst := s.instances[id]
		if err := inst.tree.Validate(); err != nil {
			return nil, classify(err).WithProcessInstance(id)
		}
		edits[id] = inst.tree.DrainEdits()
		for _, ed := range edits[id] {
			switch ed.Op {
			case execution.EditCreate:
				created++
			case execution.EditTerminate:
				terminated++
			}
		}
	}

	if s.eng.persistence == nil {
		if err := s.eng.dispatcher.dispatch(s.ctx, events, true); err != nil {
			return nil, err
		}
	} else {
		uow, err := s.eng.persistence.Begin(s.ctx)
		if err != nil {
			return nil, NewCollaboratorError(ErrCodePersistence, "failed to begin unit of work", err)
		}
		if err := s.write(uow, edits, events); err != nil {
			_ = uow.Rollback()
			return nil, err
		}
		if err := s.eng.dispatcher.dispatch(s.ctx, events, true); err != nil {
			_ = uow.Rollback()
			return nil, err
		}
		if err := uow.Commit(); err != nil {
			return nil, NewCollaboratorError(ErrCodePersistence, "failed to commit unit of work", err)
		}
	}

	s.eng.publish(s.instances)
	// Tolerant listeners never fail the operation, so they only see committed work.
	_ = s.eng.dispatcher.dispatch(s.ctx, events, false)

	s.eng.metrics.RecordExecutions(created, terminated)
	for _, ev := range events {
		s.eng.metrics.RecordEvent(string(ev.Type))
	}
	return events, nil
}

func (s *session) write(uow UnitOfWork, edits map[string][]execution.Edit, events []Event) error {
	wrap := func(msg string, err error) *EngineError {
		return NewCollaboratorError(ErrCodePersistence, msg, err)
	}

	for _, id := range s.order {
		inst := s.instances[id]
		if err := uow.SaveInstance(s.ctx, inst.record()); err != nil {
			return wrap("failed to save process instance", err).WithProcessInstance(id)
		}
		if err := uow.ApplyEdits(s.ctx, id, edits[id]); err != nil {
			return wrap("failed to apply execution edits", err).WithProcessInstance(id)
		}
	}

	if len(s.savedJobs) > 0 {
		jobs := make([]*Job, 0, len(s.savedJobs))
		for _, j := range s.savedJobs {
			jobs = append(jobs, j)
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
		if err := uow.SaveJobs(s.ctx, jobs); err != nil {
			return wrap("failed to save jobs", err)
		}
	}
	if len(s.deletedJobs) > 0 {
		ids := make([]string, 0, len(s.deletedJobs))
		for id := range s.deletedJobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if err := uow.DeleteJobs(s.ctx, ids); err != nil {
			return wrap("failed to delete jobs", err)
		}
	}

	if len(events) > 0 {
		if err := uow.RecordEvents(s.ctx, events); err != nil {
			return wrap("failed to record events", err)
		}
	}
	return nil
}
