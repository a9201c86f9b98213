package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/expression"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// DefaultMaxSteps bounds the activities a single operation may execute.
const DefaultMaxSteps = 10_000

// Span attribute keys.
const (
	AttrProcessInstanceID = "tokenflow.process_instance_id"
	AttrOperation         = "tokenflow.operation"
	AttrEventCount        = "tokenflow.event_count"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now for event timestamps, job due dates and execution start times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// WithPersistence makes every operation write its changes through p.
func WithPersistence(p Persistence) Option {
	return func(e *Engine) {
		e.persistence = p
	}
}

// WithLoader lets the engine rehydrate instances it does not hold in memory.
func WithLoader(l InstanceLoader) Option {
	return func(e *Engine) {
		e.loader = l
	}
}

// WithGuard consults g for every change-state request after validation.
func WithGuard(g Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithExpressionTimeout bounds the evaluation time of a single expression.
func WithExpressionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.evaluator = expression.NewEvaluator(d)
	}
}

// WithMaxSteps bounds the activities a single operation may execute.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// Engine executes process instances and applies change-state requests to them.
// Operations on one root process instance are serialized; operations on
// different instances run in parallel.
type Engine struct {
	repo        *model.Repository
	evaluator   *expression.Evaluator
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
	persistence Persistence
	loader      InstanceLoader
	guard       Guard
	metrics     Metrics
	tracer      Tracer
	dispatcher  *dispatcher
	locks       *keyedLocks
	maxSteps    int

	mu        sync.RWMutex
	instances map[string]*instance
}

// New creates an engine executing definitions from repo.
func New(repo *model.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		evaluator: expression.NewEvaluator(time.Second),
		logger:    zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
		metrics:   noopMetrics{},
		tracer:    noop.NewTracerProvider().Tracer("tokenflow"),
		locks:     newKeyedLocks(),
		maxSteps:  DefaultMaxSteps,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = &dispatcher{logger: e.logger}
	return e
}

// Repository returns the definition repository.
func (e *Engine) Repository() *model.Repository {
	return e.repo
}

// RegisterListener adds a listener. Listeners are called in registration order.
func (e *Engine) RegisterListener(l Listener, opts ...ListenerOption) {
	e.dispatcher.add(l, opts...)
}

// Result is the outcome of a mutating operation.
type Result struct {
	ProcessInstanceID string
	Events            []Event
}

// ProcessInstance is a read-only view of a process instance.
type ProcessInstance struct {
	ID                     string        `json:"id"`
	DefinitionID           string        `json:"definition_id"`
	DefinitionKey          string        `json:"definition_key"`
	DefinitionVersion      int           `json:"definition_version"`
	RootProcessInstanceID  string        `json:"root_process_instance_id"`
	SuperProcessInstanceID string        `json:"super_process_instance_id,omitempty"`
	SuperExecutionID       string        `json:"super_execution_id,omitempty"`
	State                  InstanceState `json:"state"`
	StartedAt              time.Time     `json:"started_at"`
	EndedAt                *time.Time    `json:"ended_at,omitempty"`
	ActiveActivityIDs      []string      `json:"active_activity_ids"`
}

// ProcessInstance returns a view of the instance.
func (e *Engine) ProcessInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.view(), nil
}

// Tree returns a copy of the execution tree of the instance.
func (e *Engine) Tree(ctx context.Context, id string) (*execution.Tree, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.tree.Clone(), nil
}

// Executions returns copies of the executions of the instance in creation order.
func (e *Engine) Executions(ctx context.Context, id string) ([]*execution.Execution, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*execution.Execution
	for _, x := range inst.tree.Executions() {
		out = append(out, x.Clone())
	}
	return out, nil
}

// ActiveActivityIDs returns the activity ids holding a token, in creation order.
func (e *Engine) ActiveActivityIDs(ctx context.Context, id string) ([]string, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.tree.ActiveActivityIDs(), nil
}

// Jobs returns copies of the pending jobs of the instance ordered by due date.
func (e *Engine) Jobs(ctx context.Context, id string) ([]*Job, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs := inst.sortedJobs()
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].DueDate.Before(jobs[j].DueDate) })
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

// lookup returns the committed instance, loading it when a loader is configured.
func (e *Engine) lookup(ctx context.Context, id string) (*instance, error) {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if ok {
		return inst, nil
	}

	notFound := NewValidationError(ErrCodeProcessInstanceNotFound,
		fmt.Sprintf("process instance '%s' does not exist", id), nil).WithProcessInstance(id)
	if e.loader == nil {
		return nil, notFound
	}

	snap, err := e.loader.LoadInstance(ctx, id)
	if err != nil {
		return nil, NewCollaboratorError(ErrCodePersistence, "failed to load process instance", err).WithProcessInstance(id)
	}
	if snap == nil {
		return nil, notFound
	}
	inst, err = e.restore(snap)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.instances[id]; ok {
		return cached, nil
	}
	e.instances[id] = inst
	return inst, nil
}

func (e *Engine) restore(snap *InstanceSnapshot) (*instance, error) {
	rec := snap.Instance
	graph, err := e.repo.ByID(rec.DefinitionID)
	if err != nil {
		return nil, classify(err).WithProcessInstance(rec.ID)
	}
	tree, err := execution.Restore(rec.ID, snap.Executions,
		execution.WithIDGenerator(e.newID),
		execution.WithClock(e.now),
		execution.WithSuperExecution(rec.SuperExecutionID, rec.RootProcessInstanceID),
	)
	if err != nil {
		return nil, classify(err).WithProcessInstance(rec.ID)
	}

	inst := &instance{
		id:                     rec.ID,
		graph:                  graph,
		tree:                   tree,
		state:                  rec.State,
		superProcessInstanceID: rec.SuperProcessInstanceID,
		startedAt:              rec.StartedAt,
		endedAt:                rec.EndedAt,
		jobs:                   make(map[string]*Job, len(snap.Jobs)),
	}
	for _, j := range snap.Jobs {
		inst.jobs[j.ID] = j.Clone()
	}
	return inst, nil
}

// rootOf returns the lock key of an instance: the root of its call hierarchy.
func (e *Engine) rootOf(ctx context.Context, id string) (string, error) {
	inst, err := e.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return inst.tree.RootProcessInstanceID(), nil
}

func (e *Engine) locateExecution(ctx context.Context, executionID string) (string, error) {
	e.mu.RLock()
	for id, inst := range e.instances {
		if _, ok := inst.tree.Get(executionID); ok {
			e.mu.RUnlock()
			return id, nil
		}
	}
	e.mu.RUnlock()

	if e.loader != nil {
		id, err := e.loader.LocateExecution(ctx, executionID)
		if err != nil {
			return "", NewCollaboratorError(ErrCodePersistence, "failed to locate execution", err).WithExecution(executionID)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", NewValidationError(ErrCodeExecutionNotFound,
		fmt.Sprintf("execution '%s' does not exist", executionID), nil).WithExecution(executionID)
}

func (e *Engine) locateJob(ctx context.Context, jobID string) (string, error) {
	e.mu.RLock()
	for id, inst := range e.instances {
		if _, ok := inst.jobs[jobID]; ok {
			e.mu.RUnlock()
			return id, nil
		}
	}
	e.mu.RUnlock()

	if e.loader != nil {
		id, err := e.loader.LocateJob(ctx, jobID)
		if err != nil {
			return "", NewCollaboratorError(ErrCodePersistence, "failed to locate job", err)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", NewValidationError(ErrCodeJobNotFound, fmt.Sprintf("job '%s' does not exist", jobID), nil)
}

// run executes fn against working copies under the lock of lockKey and commits
// the result. Nothing fn changes is visible unless it and the commit succeed.
func (e *Engine) run(ctx context.Context, op, lockKey string, fn func(*session) error) (events []Event, err error) {
	began := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String(AttrOperation, op),
		attribute.String(AttrProcessInstanceID, lockKey),
	))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(errorClassOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if IsValidation(err) {
				e.metrics.RecordValidationError(ErrorCode(err))
			}
		} else {
			span.SetAttributes(attribute.Int(AttrEventCount, len(events)))
			span.SetStatus(codes.Ok, "")
		}
		e.metrics.RecordOperation(op, outcome, time.Since(began))
		span.End()
	}()

	unlock, err := e.locks.lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s := newSession(ctx, e)
	if err := fn(s); err != nil {
		return nil, e.failed(op, lockKey, err)
	}
	if err := s.settle(); err != nil {
		return nil, e.failed(op, lockKey, err)
	}
	events, err = s.commit()
	if err != nil {
		return nil, e.failed(op, lockKey, err)
	}

	e.logger.Debug().
		Str("operation", op).
		Str("process_instance_id", lockKey).
		Int("events", len(events)).
		Dur("duration", time.Since(began)).
		Msg("Operation committed")
	return events, nil
}

func (e *Engine) failed(op, id string, err error) error {
	ee := classify(err)
	logEvent := e.logger.Debug()
	switch ee.Class {
	case ErrorClassInvariant:
		logEvent = e.logger.Error()
	case ErrorClassCollaborator:
		logEvent = e.logger.Warn()
	}
	logEvent.
		Err(ee).
		Str("operation", op).
		Str("process_instance_id", id).
		Str("code", ee.Code).
		Msg("Operation aborted")
	return ee
}

func errorClassOf(err error) ErrorClass {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Class
	}
	return "error"
}

// publish swaps committed working copies into the instance cache.
func (e *Engine) publish(instances map[string]*instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, inst := range instances {
		e.instances[id] = inst
	}
}
