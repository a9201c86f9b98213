package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Listener receives the events of an operation synchronously, before the
// operation returns. Fail-on-exception listeners are called before the unit of
// work commits and may still see events of an operation whose commit then fails.
// Other listeners are called only after a successful commit.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event Event) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ListenerOption configures a listener registration.
type ListenerOption func(*registration)

// FailOnException makes an error returned by the listener abort the whole operation.
func FailOnException() ListenerOption {
	return func(r *registration) {
		r.failOnException = true
	}
}

// ForTypes restricts the listener to the given event types.
func ForTypes(types ...EventType) ListenerOption {
	return func(r *registration) {
		r.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			r.types[t] = struct{}{}
		}
	}
}

type registration struct {
	listener        Listener
	failOnException bool
	types           map[EventType]struct{}
}

func (r *registration) accepts(t EventType) bool {
	if r.types == nil {
		return true
	}
	_, ok := r.types[t]
	return ok
}

type dispatcher struct {
	mu            sync.RWMutex
	registrations []*registration
	logger        zerolog.Logger
}

func (d *dispatcher) add(l Listener, opts ...ListenerOption) {
	r := &registration{listener: l}
	for _, opt := range opts {
		opt(r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registrations = append(d.registrations, r)
}

// dispatch delivers events in order to every matching listener whose
// fail-on-exception setting equals strict. The first failing fail-on-exception
// listener stops delivery and its error is returned; errors of other listeners
// are collected and logged.
func (d *dispatcher) dispatch(ctx context.Context, events []Event, strict bool) error {
	d.mu.RLock()
	regs := make([]*registration, 0, len(d.registrations))
	for _, r := range d.registrations {
		if r.failOnException == strict {
			regs = append(regs, r)
		}
	}
	d.mu.RUnlock()
	if len(regs) == 0 {
		return nil
	}

	var tolerated error
	for _, ev := range events {
		for _, r := range regs {
			if !r.accepts(ev.Type) {
				continue
			}
			err := r.listener.OnEvent(ctx, ev)
			if err == nil {
				continue
			}
			if r.failOnException {
				return NewCollaboratorError(ErrCodeListenerFailed,
					fmt.Sprintf("listener failed on %s event #%d", ev.Type, ev.Seq), err).
					WithProcessInstance(ev.ProcessInstanceID).
					WithExecution(ev.ExecutionID)
			}
			tolerated = multierr.Append(tolerated, fmt.Errorf("%s event #%d: %w", ev.Type, ev.Seq, err))
		}
	}

	if tolerated != nil {
		d.logger.Warn().
			Err(tolerated).
			Int("failures", len(multierr.Errors(tolerated))).
			Msg("Listener errors ignored")
	}
	return nil
}
