package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBatchChangeState(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{nestedProcess})
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, startInstance(t, eng, "nested", nil).ID)
	}

	reqs := make([]ChangeStateRequest, 0, len(ids)+1)
	for _, id := range ids {
		reqs = append(reqs, NewChangeStateBuilder(id).MoveActivityIDTo("taskBefore", "task1").Build())
	}
	reqs = append(reqs, NewChangeStateBuilder(ids[0]).MoveActivityIDTo("nope", "task1").Build())

	results, err := eng.BatchChangeState(context.Background(), reqs, 2)
	if err != nil {
		t.Fatalf("Failed to run batch: %v", err)
	}
	if len(results) != len(reqs) {
		t.Fatalf("Expected %d results, got %d", len(reqs), len(results))
	}

	for i, r := range results[:len(ids)] {
		if r.Index != i {
			t.Errorf("Expected index %d, got %d", i, r.Index)
		}
		if r.Err != nil {
			t.Errorf("Request %d failed: %v", i, r.Err)
			continue
		}
		if diff := cmp.Diff([]string{"task1"}, mustActive(t, eng, ids[i])); diff != "" {
			t.Errorf("Request %d: unexpected active activities (-want +got):\n%s", i, diff)
		}
	}

	last := results[len(results)-1]
	if ErrorCode(last.Err) != ErrCodeActivityNotFound || last.Result != nil {
		t.Errorf("Expected the last request to fail with %s, got %+v", ErrCodeActivityNotFound, last)
	}
}

func TestBatchChangeState_CancelledContext(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{nestedProcess})
	pi := startInstance(t, eng, "nested", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := eng.BatchChangeState(ctx, []ChangeStateRequest{
		NewChangeStateBuilder(pi.ID).MoveActivityIDTo("taskBefore", "task1").Build(),
	}, 0)
	if err == nil {
		t.Fatal("Expected an error for a cancelled context")
	}
	if results[0].Err == nil {
		t.Errorf("Expected the request to be skipped")
	}
	if diff := cmp.Diff([]string{"taskBefore"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the instance to be unchanged (-want +got):\n%s", diff)
	}
}
