package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInclusiveGateway(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]interface{}
		trigger []string
		active  map[string]int
		waiting map[string]int
	}{
		{
			name:   "both branches taken",
			vars:   map[string]interface{}{"x": 1, "y": 1},
			active: map[string]int{"a": 1, "b": 1},
		},
		{
			name:   "one branch taken",
			vars:   map[string]interface{}{"x": 1, "y": 0},
			active: map[string]int{"a": 1},
		},
		{
			name:    "join waits for reachable branch",
			vars:    map[string]interface{}{"x": 1, "y": 1},
			trigger: []string{"a"},
			active:  map[string]int{"b": 1},
			waiting: map[string]int{"merge": 1},
		},
		{
			name:    "join fires once all branches arrived",
			vars:    map[string]interface{}{"x": 1, "y": 1},
			trigger: []string{"a", "b"},
			active:  map[string]int{"after": 1},
		},
		{
			name:    "single branch passes the join",
			vars:    map[string]interface{}{"x": 1, "y": 0},
			trigger: []string{"a"},
			active:  map[string]int{"after": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := setupTestEngine(t, []string{inclusiveProcess})
			pi := startInstance(t, eng, "inclusive", tt.vars)
			for _, id := range tt.trigger {
				trigger(t, eng, pi.ID, id)
			}

			shape := shapeOf(t, eng, pi.ID)
			if diff := cmp.Diff(tt.active, shape.Active); diff != "" {
				t.Errorf("Unexpected active tokens (-want +got):\n%s", diff)
			}
			waiting := tt.waiting
			if waiting == nil {
				waiting = map[string]int{}
			}
			if diff := cmp.Diff(waiting, shape.Waiting); diff != "" {
				t.Errorf("Unexpected waiting joins (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInclusiveGateway_NoConditionHolds(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{inclusiveProcess})

	_, err := eng.StartProcessInstance(context.Background(), "inclusive", map[string]interface{}{"x": 0, "y": 0})
	if ErrorCode(err) != ErrCodeNoOutgoingFlow {
		t.Errorf("Expected %s, got %v", ErrCodeNoOutgoingFlow, err)
	}
}

func TestChangeState_ReleasesInclusiveJoin(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{inclusiveProcess})
	pi := startInstance(t, eng, "inclusive", map[string]interface{}{"x": 1, "y": 1})
	trigger(t, eng, pi.ID, "a")

	res := changeState(t, eng, NewChangeStateBuilder(pi.ID).
		MoveActivityIDTo("b", "after").
		Build())

	want := []string{
		"ACTIVITY_CANCELLED(b)",
		"ACTIVITY_STARTED(after)",
		"ACTIVITY_COMPLETED(merge)",
		"ACTIVITY_STARTED(after)",
	}
	if diff := cmp.Diff(want, summarize(res.Events)); diff != "" {
		t.Errorf("Unexpected events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"after": 2}, shapeOf(t, eng, pi.ID).Active); diff != "" {
		t.Errorf("Unexpected active tokens (-want +got):\n%s", diff)
	}
}

func TestChangeState_IntoInclusiveJoin(t *testing.T) {
	eng, _ := setupTestEngine(t, []string{inclusiveProcess})
	pi := startInstance(t, eng, "inclusive", map[string]interface{}{"x": 1, "y": 1})

	changeState(t, eng, NewChangeStateBuilder(pi.ID).
		MoveActivityIDTo("a", "merge").
		Build())

	shape := shapeOf(t, eng, pi.ID)
	if shape.Waiting["merge"] != 1 || shape.Active["b"] != 1 {
		t.Fatalf("Expected merge waiting for b, got %+v", shape)
	}

	trigger(t, eng, pi.ID, "b")
	if diff := cmp.Diff([]string{"after"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Unexpected active activities (-want +got):\n%s", diff)
	}
}
