package engine

// phase selects the bucket an event is collected into. Buckets are flushed in
// declaration order, so an operation may produce its events out of order and
// still deliver them in the documented sequence.
type phase int

const (
	// phaseJobsCancelled holds JOB_CANCELED for timers of vacated activities.
	phaseJobsCancelled phase = iota
	// phaseVacated holds ACTIVITY_CANCELLED for vacated activities and pruned scopes.
	phaseVacated
	// phaseProcessVariables holds process variables attached to a request.
	phaseProcessVariables
	// phaseScopes holds events of newly entered scopes, outermost first.
	phaseScopes
	// phaseTargets holds everything caused by executing the target activities.
	phaseTargets

	numPhases
)

// emitter collects the events of one operation.
type emitter struct {
	buckets [numPhases][]Event
	current phase
}

func newEmitter() *emitter {
	return &emitter{current: phaseTargets}
}

// enter switches the bucket for subsequent events and returns the previous one.
func (em *emitter) enter(p phase) phase {
	prev := em.current
	em.current = p
	return prev
}

func (em *emitter) emit(ev Event) {
	em.buckets[em.current] = append(em.buckets[em.current], ev)
}

func (em *emitter) emitIn(p phase, ev Event) {
	em.buckets[p] = append(em.buckets[p], ev)
}

// flush returns all collected events in bucket order, numbered from 1, and resets the emitter.
func (em *emitter) flush() []Event {
	var out []Event
	for p := range em.buckets {
		out = append(out, em.buckets[p]...)
		em.buckets[p] = nil
	}
	for i := range out {
		out[i].Seq = int64(i + 1)
	}
	return out
}
