// Package engine executes process instances and changes their state on request.
//
// # Overview
//
// An Engine holds the live execution trees of process instances started from
// definitions in a model.Repository. Every operation works the same way:
//
//  1. Lock - the root process instance is locked, so operations on one
//     instance and everything it called run one at a time.
//  2. Copy - each instance the operation touches is cloned on first access.
//  3. Act - the behavior of the operation runs against the copies.
//  4. Settle - inclusive joins that can no longer be reached fire, and
//     concurrency flags are normalized.
//  5. Commit - the copies are validated, written through the Persistence
//     collaborator, and events are dispatched to listeners. Only then do the
//     copies replace the committed instances.
//
// An error at any step discards the copies, so an operation either happens
// completely or not at all.
//
// # Token Advancement
//
// StartProcessInstance, Trigger and FireTimer move tokens through the graph.
// Start events, service tasks and gateways without a join are passed through;
// tasks, user tasks, timer catch events and call activities wait. Parallel and
// inclusive gateways with several incoming flows synchronize their arrivals:
//
//	parallel:  fires once one token arrived per incoming flow
//	inclusive: fires once no other token of the scope can reach it
//
// Multi-instance activities turn the arriving token into a loop root with one
// child per instance and maintain nrOfInstances, nrOfActiveInstances and
// nrOfCompletedInstances on it.
//
// # Change State
//
// ChangeState relocates tokens of a running instance:
//
//	req := engine.NewChangeStateBuilder(pi.ID).
//		MoveActivityIDTo("taskBefore", "subTask").
//		LocalVariable("subProcess", "name", "Joe").
//		Build()
//	result, err := eng.ChangeState(ctx, req)
//
// Requests are validated completely before anything changes. Sources are
// then cancelled, process variables written, missing scopes entered and the
// targets executed with their normal behavior. A timer whose activity is left
// and re-entered by the same request keeps its job. Events are delivered in a
// fixed order:
//
//	JOB_CANCELED for timers of left activities
//	ACTIVITY_CANCELLED for left activities and emptied scopes
//	VARIABLE_* for process variables of the request
//	ACTIVITY_STARTED and initialization of entered scopes, outermost first
//	everything caused by executing the targets
//
// BatchChangeState runs requests for different instances in parallel.
//
// # Errors
//
// Every error returned by the engine is an *EngineError with a Class:
//
//   - validation: the request does not fit the instance; nothing changed
//   - conflict: the instance is not in a state that allows the operation
//   - invariant: the engine produced an inconsistent tree; the operation was discarded
//   - collaborator: persistence or a fail-on-exception listener failed
//
// Sentinels such as ErrActivityNotFound match with errors.Is.
package engine
