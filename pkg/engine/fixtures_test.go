package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

const nestedProcess = `
key: nested
name: Nested process
activities:
  - id: theStart
    type: startEvent
  - id: taskBefore
    type: userTask
  - id: subProcess
    type: subProcess
    dataObjects:
      - name: name
        value: John
  - id: subStart
    type: startEvent
    scope: subProcess
  - id: subTask
    type: userTask
    scope: subProcess
  - id: subTimer
    type: boundaryEvent
    scope: subProcess
    attachedTo: subTask
    timer:
      duration: PT10M
  - id: subEnd
    type: endEvent
    scope: subProcess
  - id: fork
    type: parallelGateway
  - id: task1
    type: userTask
  - id: task2
    type: userTask
  - id: join
    type: parallelGateway
  - id: theEnd
    type: endEvent
flows:
  - {id: f1, source: theStart, target: taskBefore}
  - {id: f2, source: taskBefore, target: subProcess}
  - {id: s1, source: subStart, target: subTask}
  - {id: s2, source: subTask, target: subEnd}
  - {id: f3, source: subProcess, target: fork}
  - {id: f4, source: fork, target: task1}
  - {id: f5, source: fork, target: task2}
  - {id: f6, source: task1, target: join}
  - {id: f7, source: task2, target: join}
  - {id: f8, source: join, target: theEnd}
`

const deepProcess = `
key: deep
activities:
  - id: start
    type: startEvent
  - id: taskBefore
    type: userTask
  - id: outer
    type: subProcess
    dataObjects:
      - name: od
        value: 1
  - id: outerTimer
    type: boundaryEvent
    attachedTo: outer
    timer:
      duration: PT1H
  - id: outerStart
    type: startEvent
    scope: outer
  - id: inner
    type: subProcess
    scope: outer
    dataObjects:
      - name: id1
        value: x
  - id: innerTimer
    type: boundaryEvent
    scope: outer
    attachedTo: inner
    timer:
      duration: PT30M
  - id: innerStart
    type: startEvent
    scope: inner
  - id: deep
    type: userTask
    scope: inner
  - id: innerEnd
    type: endEvent
    scope: inner
  - id: outerEnd
    type: endEvent
    scope: outer
  - id: handle
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: taskBefore}
  - {id: f2, source: taskBefore, target: outer}
  - {id: f3, source: outer, target: end}
  - {id: f4, source: outerTimer, target: handle}
  - {id: f5, source: handle, target: end}
  - {id: o1, source: outerStart, target: inner}
  - {id: o2, source: inner, target: outerEnd}
  - {id: o3, source: innerTimer, target: outerEnd}
  - {id: i1, source: innerStart, target: deep}
  - {id: i2, source: deep, target: innerEnd}
`

const timerProcess = `
key: timers
activities:
  - id: start
    type: startEvent
  - id: taskA
    type: userTask
  - id: timerA
    type: boundaryEvent
    attachedTo: taskA
    timer:
      duration: PT5M
  - id: taskB
    type: userTask
  - id: timerB
    type: boundaryEvent
    attachedTo: taskB
    cancelActivity: false
    timer:
      duration: PT10M
  - id: wait
    type: intermediateCatchEvent
    timer:
      duration: PT1H
  - id: escalated
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: taskA}
  - {id: f2, source: taskA, target: taskB}
  - {id: f3, source: taskB, target: wait}
  - {id: f4, source: wait, target: end}
  - {id: f5, source: timerA, target: escalated}
  - {id: f6, source: timerB, target: escalated}
  - {id: f7, source: escalated, target: end}
`

const multiProcess = `
key: multi
activities:
  - id: start
    type: startEvent
  - id: review
    type: userTask
    multiInstance:
      cardinality: "3"
  - id: after
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: review}
  - {id: f2, source: review, target: after}
  - {id: f3, source: after, target: end}
`

const sequentialProcess = `
key: sequential
activities:
  - id: start
    type: startEvent
  - id: approve
    type: userTask
    multiInstance:
      sequential: true
      collection: approvers
      elementVariable: approver
  - id: after
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: approve}
  - {id: f2, source: approve, target: after}
  - {id: f3, source: after, target: end}
`

const multiSubProcess = `
key: multisub
activities:
  - id: start
    type: startEvent
  - id: pre
    type: userTask
  - id: body
    type: subProcess
    multiInstance:
      cardinality: "2"
  - id: bodyStart
    type: startEvent
    scope: body
  - id: step1
    type: userTask
    scope: body
  - id: step2
    type: userTask
    scope: body
  - id: bodyEnd
    type: endEvent
    scope: body
  - id: after
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: pre}
  - {id: f2, source: pre, target: body}
  - {id: b1, source: bodyStart, target: step1}
  - {id: b2, source: step1, target: step2}
  - {id: b3, source: step2, target: bodyEnd}
  - {id: f3, source: body, target: after}
  - {id: f4, source: after, target: end}
`

const inclusiveProcess = `
key: inclusive
activities:
  - id: start
    type: startEvent
  - id: split
    type: inclusiveGateway
  - id: a
    type: userTask
  - id: b
    type: userTask
  - id: merge
    type: inclusiveGateway
  - id: after
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: split}
  - {id: f2, source: split, target: a, condition: "${x > 0}"}
  - {id: f3, source: split, target: b, condition: "${y > 0}"}
  - {id: f4, source: a, target: merge}
  - {id: f5, source: b, target: merge}
  - {id: f6, source: merge, target: after}
  - {id: f7, source: after, target: end}
`

const callerProcess = `
key: caller
activities:
  - id: start
    type: startEvent
  - id: pre
    type: userTask
  - id: call
    type: callActivity
    calledElement: callee
  - id: afterCall
    type: userTask
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: pre}
  - {id: f2, source: pre, target: call}
  - {id: f3, source: call, target: afterCall}
  - {id: f4, source: afterCall, target: end}
`

const calleeProcess = `
key: callee
activities:
  - id: calleeStart
    type: startEvent
  - id: calleeTask
    type: userTask
  - id: calleeTask2
    type: userTask
  - id: calleeEnd
    type: endEvent
flows:
  - {id: c1, source: calleeStart, target: calleeTask}
  - {id: c2, source: calleeTask, target: calleeTask2}
  - {id: c3, source: calleeTask2, target: calleeEnd}
`

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is a listener keeping every delivered event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1))
	}
}

// setupTestEngine deploys docs and returns an engine with a fixed clock and
// predictable ids, and a recorder registered as listener.
func setupTestEngine(t *testing.T, docs []string, opts ...Option) (*Engine, *recorder) {
	t.Helper()

	loader, err := model.NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	repo := model.NewRepository()
	for _, doc := range docs {
		def, err := loader.Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Failed to parse definition: %v", err)
		}
		if _, err := repo.Deploy(def); err != nil {
			t.Fatalf("Failed to deploy definition %s: %v", def.Key, err)
		}
	}

	base := []Option{
		WithClock(func() time.Time { return testClock }),
		WithIDGenerator(sequentialIDs()),
	}
	eng := New(repo, append(base, opts...)...)
	rec := &recorder{}
	eng.RegisterListener(rec)
	return eng, rec
}

func startInstance(t *testing.T, eng *Engine, key string, vars map[string]interface{}) *ProcessInstance {
	t.Helper()
	pi, err := eng.StartProcessInstance(context.Background(), key, vars)
	if err != nil {
		t.Fatalf("Failed to start %s: %v", key, err)
	}
	return pi
}

// tokenOn returns the token holding execution on activityID; the test fails
// unless there is exactly one.
func tokenOn(t *testing.T, eng *Engine, piID, activityID string) *execution.Execution {
	t.Helper()
	tokens := tokensOn(t, eng, piID, activityID)
	if len(tokens) != 1 {
		t.Fatalf("Expected 1 token on %s, got %d", activityID, len(tokens))
	}
	return tokens[0]
}

func tokensOn(t *testing.T, eng *Engine, piID, activityID string) []*execution.Execution {
	t.Helper()
	execs, err := eng.Executions(context.Background(), piID)
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	var out []*execution.Execution
	for _, e := range execs {
		if e.ActivityID == activityID && e.IsActive && len(e.ChildIDs) == 0 {
			out = append(out, e)
		}
	}
	return out
}

func trigger(t *testing.T, eng *Engine, piID, activityID string) *Result {
	t.Helper()
	res, err := eng.Trigger(context.Background(), tokenOn(t, eng, piID, activityID).ID, nil)
	if err != nil {
		t.Fatalf("Failed to trigger %s: %v", activityID, err)
	}
	return res
}

func changeState(t *testing.T, eng *Engine, req ChangeStateRequest) *Result {
	t.Helper()
	res, err := eng.ChangeState(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to change state: %v", err)
	}
	return res
}

func shapeOf(t *testing.T, eng *Engine, piID string) execution.Shape {
	t.Helper()
	tree, err := eng.Tree(context.Background(), piID)
	if err != nil {
		t.Fatalf("Failed to get tree: %v", err)
	}
	return tree.Shape()
}

// summarize renders events as TYPE(activity) or TYPE(variable); process events
// are rendered by type only.
func summarize(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case EventProcessStarted, EventProcessCompleted, EventProcessCancelled:
			out = append(out, string(ev.Type))
		default:
			out = append(out, ev.String())
		}
	}
	return out
}
