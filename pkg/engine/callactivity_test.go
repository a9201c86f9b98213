package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// calledInstance starts the caller process up to the call activity and returns
// both instance ids.
func calledInstance(t *testing.T, eng *Engine) (string, string) {
	t.Helper()
	pi := startInstance(t, eng, "caller", nil)
	trigger(t, eng, pi.ID, "pre")

	call := tokenOn(t, eng, pi.ID, "call")
	if call.SubProcessInstanceID == "" {
		t.Fatalf("Expected the call activity to reference a called instance")
	}
	return pi.ID, call.SubProcessInstanceID
}

func TestCallActivity_RunsCalledProcess(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	ctx := context.Background()
	parentID, subID := calledInstance(t, eng)

	sub, err := eng.ProcessInstance(ctx, subID)
	if err != nil {
		t.Fatalf("Failed to get called instance: %v", err)
	}
	if sub.SuperProcessInstanceID != parentID || sub.RootProcessInstanceID != parentID {
		t.Errorf("Expected the called instance to link to %s, got %+v", parentID, sub)
	}
	if diff := cmp.Diff([]string{"calleeTask"}, sub.ActiveActivityIDs); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}

	if _, err := eng.Trigger(ctx, tokenOn(t, eng, parentID, "call").ID, nil); ErrorCode(err) != ErrCodeExecutionNotWaiting {
		t.Errorf("Expected a call activity with a running instance to reject triggers, got %v", err)
	}

	trigger(t, eng, subID, "calleeTask")
	res := trigger(t, eng, subID, "calleeTask2")
	want := []string{
		"ACTIVITY_SIGNALED(calleeTask2)",
		"ACTIVITY_COMPLETED(calleeTask2)",
		"ACTIVITY_STARTED(calleeEnd)",
		"ACTIVITY_COMPLETED(calleeEnd)",
		string(EventProcessCompleted),
		"ACTIVITY_COMPLETED(call)",
		"ACTIVITY_STARTED(afterCall)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"afterCall"}, mustActive(t, eng, parentID)); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}
}

func TestCancelProcessInstance_CancelsCalledInstance(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	ctx := context.Background()
	parentID, subID := calledInstance(t, eng)

	if _, err := eng.CancelProcessInstance(ctx, parentID, "stop"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	sub, _ := eng.ProcessInstance(ctx, subID)
	if sub.State != InstanceStateCancelled {
		t.Errorf("Expected the called instance to be cancelled, got %s", sub.State)
	}
}

func TestChangeState_MoveToParentInstance(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	ctx := context.Background()
	parentID, subID := calledInstance(t, eng)

	res := changeState(t, eng, NewChangeStateBuilder(subID).
		MoveActivityIDToParentActivityID("calleeTask", "afterCall").
		Build())

	want := []string{
		"ACTIVITY_CANCELLED(calleeTask)",
		string(EventProcessCancelled),
		"ACTIVITY_CANCELLED(call)",
		"ACTIVITY_STARTED(afterCall)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}

	sub, _ := eng.ProcessInstance(ctx, subID)
	if sub.State != InstanceStateCancelled {
		t.Errorf("Expected the called instance to be cancelled, got %s", sub.State)
	}
	if diff := cmp.Diff([]string{"afterCall"}, mustActive(t, eng, parentID)); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}
}

func TestChangeState_MoveToParentInstance_NoParent(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	pi := startInstance(t, eng, "caller", nil)

	_, err := eng.ChangeState(context.Background(), NewChangeStateBuilder(pi.ID).
		MoveActivityIDToParentActivityID("pre", "afterCall").
		Build())
	if ErrorCode(err) != ErrCodeInvalidRequest {
		t.Errorf("Expected %s, got %v", ErrCodeInvalidRequest, err)
	}
}

func TestChangeState_MoveToSubProcessInstance(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "caller", nil)

	res := changeState(t, eng, NewChangeStateBuilder(pi.ID).
		MoveActivityIDToSubProcessInstanceActivityID("pre", "calleeTask2", "call", 0).
		Build())

	want := []string{
		"ACTIVITY_CANCELLED(pre)",
		"ACTIVITY_STARTED(call)",
		string(EventProcessStarted),
		"ACTIVITY_STARTED(calleeTask2)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}

	subID := tokenOn(t, eng, pi.ID, "call").SubProcessInstanceID
	if diff := cmp.Diff([]string{"calleeTask2"}, mustActive(t, eng, subID)); diff != "" {
		t.Errorf("Unexpected active activities in the called instance (-want +got):\n%s", diff)
	}

	trigger(t, eng, subID, "calleeTask2")
	sub, _ := eng.ProcessInstance(ctx, subID)
	if sub.State != InstanceStateCompleted {
		t.Errorf("Expected the called instance to complete, got %s", sub.State)
	}
	if diff := cmp.Diff([]string{"afterCall"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}
}

func TestChangeState_MoveToSubProcessInstance_Validation(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{callerProcess, calleeProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "caller", nil)

	tests := []struct {
		name string
		req  ChangeStateRequest
		code string
	}{
		{
			name: "not a call activity",
			req:  NewChangeStateBuilder(pi.ID).MoveActivityIDToSubProcessInstanceActivityID("pre", "calleeTask", "afterCall", 0).Build(),
			code: ErrCodeInvalidRequest,
		},
		{
			name: "unknown target in called process",
			req:  NewChangeStateBuilder(pi.ID).MoveActivityIDToSubProcessInstanceActivityID("pre", "nope", "call", 0).Build(),
			code: ErrCodeActivityNotFound,
		},
		{
			name: "unknown called version",
			req:  NewChangeStateBuilder(pi.ID).MoveActivityIDToSubProcessInstanceActivityID("pre", "calleeTask", "call", 7).Build(),
			code: ErrCodeDefinitionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.ChangeState(ctx, tt.req)
			if ErrorCode(err) != tt.code {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}
}
