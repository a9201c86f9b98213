package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tokenflow/tokenflow/pkg/execution"
)

// loopRoot returns the multi-instance root of activityID.
func loopRoot(t *testing.T, eng *Engine, piID, activityID string) *execution.Execution {
	t.Helper()
	execs, err := eng.Executions(context.Background(), piID)
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	for _, e := range execs {
		if e.IsMultiInstanceRoot && e.ActivityID == activityID {
			return e
		}
	}
	t.Fatalf("No multi-instance root for %s", activityID)
	return nil
}

func assertCounters(t *testing.T, root *execution.Execution, instances, active, completed int) {
	t.Helper()
	got := [3]int{root.NrOfInstances, root.NrOfActiveInstances, root.NrOfCompletedInstances}
	want := [3]int{instances, active, completed}
	if got != want {
		t.Errorf("Expected counters %v, got %v", want, got)
	}
}

func assertValidTree(t *testing.T, eng *Engine, piID string) {
	t.Helper()
	tree, err := eng.Tree(context.Background(), piID)
	if err != nil {
		t.Fatalf("Failed to get tree: %v", err)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Expected a valid tree, got %v", err)
	}
}

func TestMultiInstance_Parallel(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "multi", nil)

	shape := shapeOf(t, eng, pi.ID)
	if shape.Active["review"] != 3 || shape.Scopes["review"] != 1 {
		t.Fatalf("Expected 3 review instances below one loop root, got %+v", shape)
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 3, 3, 0)

	members := tokensOn(t, eng, pi.ID, "review")
	for i, m := range members {
		if m.LoopCounter != i {
			t.Errorf("Expected loop counter %d, got %d", i, m.LoopCounter)
		}
	}

	for i, m := range members {
		if _, err := eng.Trigger(ctx, m.ID, nil); err != nil {
			t.Fatalf("Failed to trigger member %d: %v", i, err)
		}
		assertValidTree(t, eng, pi.ID)
		if i < len(members)-1 {
			assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 3, 2-i, i+1)
		}
	}

	if diff := cmp.Diff([]string{"after"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the loop to finish (-want +got):\n%s", diff)
	}
}

func TestMultiInstance_Sequential(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{sequentialProcess})
	pi := startInstance(t, eng, "sequential", map[string]interface{}{
		"approvers": []interface{}{"ann", "bob"},
	})

	first := tokenOn(t, eng, pi.ID, "approve")
	if first.LoopCounter != 0 || first.Variables["approver"] != "ann" {
		t.Fatalf("Expected ann as first approver, got %+v", first)
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "approve"), 2, 2, 0)

	res := trigger(t, eng, pi.ID, "approve")
	want := []string{
		"ACTIVITY_SIGNALED(approve)",
		"ACTIVITY_COMPLETED(approve)",
		"VARIABLE_CREATED(approver)",
		"ACTIVITY_STARTED(approve)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}

	second := tokenOn(t, eng, pi.ID, "approve")
	if second.LoopCounter != 1 || second.Variables["approver"] != "bob" {
		t.Errorf("Expected bob as second approver, got %+v", second)
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "approve"), 2, 1, 1)
	assertValidTree(t, eng, pi.ID)

	trigger(t, eng, pi.ID, "approve")
	if diff := cmp.Diff([]string{"after"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the loop to finish (-want +got):\n%s", diff)
	}
}

func TestAddMultiInstanceExecution_Parallel(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	pi := startInstance(t, eng, "multi", nil)

	res, err := eng.AddMultiInstanceExecution(context.Background(), pi.ID, "review", map[string]interface{}{"extra": 1})
	if err != nil {
		t.Fatalf("Failed to add instance: %v", err)
	}
	want := []string{"VARIABLE_CREATED(extra)", "ACTIVITY_STARTED(review)"}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}

	assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 4, 4, 0)
	members := tokensOn(t, eng, pi.ID, "review")
	if len(members) != 4 {
		t.Fatalf("Expected 4 members, got %d", len(members))
	}
	added := members[3]
	if added.LoopCounter != 3 || added.Variables["extra"] != 1 {
		t.Errorf("Expected loop counter 3 with extra=1, got %+v", added)
	}
	if !added.IsConcurrent {
		t.Errorf("Expected the new member to be concurrent")
	}
	assertValidTree(t, eng, pi.ID)
}

func TestAddMultiInstanceExecution_Sequential(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{sequentialProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "sequential", map[string]interface{}{
		"approvers": []interface{}{"ann", "bob"},
	})

	_, err := eng.AddMultiInstanceExecution(ctx, pi.ID, "approve", map[string]interface{}{"approver": "eve"})
	if ErrorCode(err) != ErrCodeInvalidRequest {
		t.Fatalf("Expected %s, got %v", ErrCodeInvalidRequest, err)
	}

	res, err := eng.AddMultiInstanceExecution(ctx, pi.ID, "approve", nil)
	if err != nil {
		t.Fatalf("Failed to add instance: %v", err)
	}
	if len(res.Events) != 0 {
		t.Errorf("Expected no events for a queued sequential instance, got %v", summarize(res.Events))
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "approve"), 3, 3, 0)
	if n := len(tokensOn(t, eng, pi.ID, "approve")); n != 1 {
		t.Errorf("Expected one running instance, got %d", n)
	}
	assertValidTree(t, eng, pi.ID)
}

func TestAddMultiInstanceExecution_NoLoop(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	pi := startInstance(t, eng, "multi", nil)

	_, err := eng.AddMultiInstanceExecution(context.Background(), pi.ID, "after", nil)
	if ErrorCode(err) != ErrCodeMultiInstanceNotFound {
		t.Errorf("Expected %s, got %v", ErrCodeMultiInstanceNotFound, err)
	}
}

func TestDeleteMultiInstanceExecution(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "multi", nil)
	members := tokensOn(t, eng, pi.ID, "review")

	res, err := eng.DeleteMultiInstanceExecution(ctx, members[0].ID, false)
	if err != nil {
		t.Fatalf("Failed to delete instance: %v", err)
	}
	if diff := cmp.Diff([]string{"ACTIVITY_CANCELLED(review)"}, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 2, 2, 0)
	assertValidTree(t, eng, pi.ID)

	if _, err := eng.DeleteMultiInstanceExecution(ctx, members[1].ID, true); err != nil {
		t.Fatalf("Failed to delete instance: %v", err)
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 2, 1, 1)

	if _, err := eng.DeleteMultiInstanceExecution(ctx, members[2].ID, true); err != nil {
		t.Fatalf("Failed to delete instance: %v", err)
	}
	if diff := cmp.Diff([]string{"after"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the loop to finish (-want +got):\n%s", diff)
	}
}

func TestDeleteMultiInstanceExecution_NotAMember(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	pi := startInstance(t, eng, "multi", nil)
	root := loopRoot(t, eng, pi.ID, "review")

	_, err := eng.DeleteMultiInstanceExecution(context.Background(), root.ID, false)
	if ErrorCode(err) != ErrCodeMultiInstanceNotFound {
		t.Errorf("Expected %s, got %v", ErrCodeMultiInstanceNotFound, err)
	}
}

func TestChangeState_MoveMultiInstanceActivity(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	pi := startInstance(t, eng, "multi", nil)

	res := changeState(t, eng, NewChangeStateBuilder(pi.ID).
		MoveActivityIDTo("review", "after").
		Build())

	want := []string{
		"ACTIVITY_CANCELLED(review)",
		"ACTIVITY_CANCELLED(review)",
		"ACTIVITY_CANCELLED(review)",
		"ACTIVITY_CANCELLED(review)",
		"ACTIVITY_STARTED(after)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}
	if shape := shapeOf(t, eng, pi.ID); len(shape.Scopes) != 0 {
		t.Errorf("Expected no loop root left, got %+v", shape.Scopes)
	}
}

func TestChangeState_IntoMultiInstanceActivity(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiProcess})
	pi := startInstance(t, eng, "multi", nil)
	changeState(t, eng, NewChangeStateBuilder(pi.ID).MoveActivityIDTo("review", "after").Build())

	changeState(t, eng, NewChangeStateBuilder(pi.ID).MoveActivityIDTo("after", "review").Build())

	assertCounters(t, loopRoot(t, eng, pi.ID, "review"), 3, 3, 0)
	assertValidTree(t, eng, pi.ID)
}

func TestChangeState_WithinMultiInstanceBody(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiSubProcess})
	pi := startInstance(t, eng, "multisub", nil)
	trigger(t, eng, pi.ID, "pre")

	if n := len(tokensOn(t, eng, pi.ID, "step1")); n != 2 {
		t.Fatalf("Expected 2 step1 tokens, got %d", n)
	}

	res := changeState(t, eng, NewChangeStateBuilder(pi.ID).
		MoveActivityIDTo("step1", "step2").
		Build())

	want := []string{
		"ACTIVITY_CANCELLED(step1)",
		"ACTIVITY_CANCELLED(step1)",
		"ACTIVITY_STARTED(step2)",
		"ACTIVITY_STARTED(step2)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}

	tree, _ := eng.Tree(context.Background(), pi.ID)
	parents := map[string]bool{}
	for _, token := range tokensOn(t, eng, pi.ID, "step2") {
		scope := tree.Parent(token.ID)
		if scope == nil || scope.ActivityID != "body" || scope.IsMultiInstanceRoot {
			t.Fatalf("Expected step2 inside a body instance, got %+v", scope)
		}
		parents[scope.ID] = true
	}
	if len(parents) != 2 {
		t.Errorf("Expected one step2 token per body instance, got %d parents", len(parents))
	}
	assertCounters(t, loopRoot(t, eng, pi.ID, "body"), 2, 2, 0)
	assertValidTree(t, eng, pi.ID)
}

func TestChangeState_MultiInstanceBodyBoundaries(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{multiSubProcess})
	ctx := context.Background()
	pi := startInstance(t, eng, "multisub", nil)

	_, err := eng.ChangeState(ctx, NewChangeStateBuilder(pi.ID).MoveActivityIDTo("pre", "step1").Build())
	if ErrorCode(err) != ErrCodeIllegalMigration {
		t.Errorf("Expected entering the body to be %s, got %v", ErrCodeIllegalMigration, err)
	}

	trigger(t, eng, pi.ID, "pre")
	_, err = eng.ChangeState(ctx, NewChangeStateBuilder(pi.ID).MoveActivityIDTo("step1", "after").Build())
	if ErrorCode(err) != ErrCodeIllegalMigration {
		t.Errorf("Expected leaving the body to be %s, got %v", ErrCodeIllegalMigration, err)
	}

	res := changeState(t, eng, NewChangeStateBuilder(pi.ID).MoveActivityIDTo("body", "after").Build())
	if last := res.Events[len(res.Events)-1]; last.String() != "ACTIVITY_STARTED(after)" {
		t.Errorf("Expected the whole loop to be replaced by after, got %s", last)
	}
	if diff := cmp.Diff([]string{"after"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}
}
