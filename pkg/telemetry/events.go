package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenflow/tokenflow/pkg/engine"
)

// Event is a notification published to subscribers outside the engine.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is the engine event type or one of the EventType constants.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	ProcessInstanceID string `json:"process_instance_id,omitempty"`
	ExecutionID       string `json:"execution_id,omitempty"`
	ActivityID        string `json:"activity_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published besides the engine's own.
const (
	EventTypeOperationFailed = "operation.failed"
	EventTypePolicyDenied    = "policy.denied"
	EventTypeTimerFailed     = "timer.failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. It implements engine.Listener
// so it can be registered on an engine directly.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.Listener = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// OnEvent publishes an engine event. Publishing failures never fail the engine operation.
func (ep *EventPublisher) OnEvent(_ context.Context, ev engine.Event) error {
	level := EventLevelInfo
	switch ev.Type {
	case engine.EventActivityCancelled, engine.EventProcessCancelled, engine.EventJobCanceled:
		level = EventLevelWarning
	}

	data := map[string]interface{}{
		"seq":                   ev.Seq,
		"process_definition_id": ev.ProcessDefinitionID,
	}
	if ev.VariableName != "" {
		data["variable_name"] = ev.VariableName
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if ev.Job != nil {
		data["job_id"] = ev.Job.ID
		data["due_date"] = ev.Job.DueDate
	}

	_ = ep.Publish(Event{
		ID:                ev.ID,
		Timestamp:         ev.Timestamp,
		Type:              string(ev.Type),
		Source:            "engine",
		ProcessInstanceID: ev.ProcessInstanceID,
		ExecutionID:       ev.ExecutionID,
		ActivityID:        ev.ActivityID,
		Message:           ev.String(),
		Level:             level,
		Data:              data,
	})
	return nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOperationFailed publishes the failure of an engine operation.
func (ep *EventPublisher) PublishOperationFailed(operation, processInstanceID string, err error) error {
	level := EventLevelError
	if engine.IsValidation(err) {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:              EventTypeOperationFailed,
		Source:            "cli",
		ProcessInstanceID: processInstanceID,
		Message:           fmt.Sprintf("%s on %s failed: %v", operation, processInstanceID, err),
		Level:             level,
		Data: map[string]interface{}{
			"operation": operation,
			"code":      engine.ErrorCode(err),
		},
	})
}

// PublishPolicyDenied publishes a change-state request rejected by policy.
func (ep *EventPublisher) PublishPolicyDenied(processInstanceID, reason string) error {
	return ep.Publish(Event{
		Type:              EventTypePolicyDenied,
		Source:            "policy",
		ProcessInstanceID: processInstanceID,
		Message:           fmt.Sprintf("change state of %s denied: %s", processInstanceID, reason),
		Level:             EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTimerFailed publishes a timer job the scheduler could not fire.
func (ep *EventPublisher) PublishTimerFailed(job *engine.Job, err error) error {
	return ep.Publish(Event{
		Type:              EventTypeTimerFailed,
		Source:            "scheduler",
		ProcessInstanceID: job.ProcessInstanceID,
		ExecutionID:       job.ExecutionID,
		ActivityID:        job.ActivityID,
		Message:           fmt.Sprintf("timer %s failed: %v", job.ID, err),
		Level:             EventLevelError,
		Data: map[string]interface{}{
			"job_id": job.ID,
			"code":   engine.ErrorCode(err),
		},
	})
}

// Subscribe adds a new event subscriber. Subscribers are called in
// publication order from a single goroutine.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain what is already queued before delivering
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()
			return
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByProcessInstance creates a filter that only allows events of one process instance.
func FilterByProcessInstance(processInstanceID string) EventFilter {
	return func(event Event) bool {
		return event.ProcessInstanceID == processInstanceID
	}
}
