package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func move(sources, targets []string, executions int) engine.GuardMove {
	m := engine.GuardMove{Kind: engine.MoveWithinInstance, SourceIDs: sources, TargetIDs: targets}
	for i := 0; i < executions; i++ {
		m.ExecutionIDs = append(m.ExecutionIDs, "exec")
	}
	return m
}

func TestNewEngine(t *testing.T) {
	eng := setupTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{
		PolicyBulkMove,
		PolicyCrossInstanceMoves,
		PolicyFrozenDefinitions,
		PolicyProtectedActivities,
		PolicyReservedVariables,
		PolicyRestartActivity,
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Unexpected built-in policies (-want +got):\n%s", diff)
	}

	empty := setupTestEngine(t, WithoutBuiltins())
	if n := len(empty.ListPolicies()); n != 0 {
		t.Errorf("Expected no policies, got %d", n)
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := setupTestEngine(t, WithConfigData(map[string]interface{}{
		"protected_activities":    []interface{}{"payment"},
		"frozen_definitions":      []interface{}{"legacy"},
		"max_executions_per_move": 2,
	}))

	tests := []struct {
		name         string
		input        engine.GuardInput
		wantAllowed  bool
		wantPolicies []string
		wantWarnings []string
	}{
		{
			name: "plain move",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves:         []engine.GuardMove{move([]string{"review"}, []string{"ship"}, 1)},
			},
			wantAllowed: true,
		},
		{
			name: "protected target",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves:         []engine.GuardMove{move([]string{"review"}, []string{"payment"}, 1)},
			},
			wantPolicies: []string{PolicyProtectedActivities},
		},
		{
			name: "protected source",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves:         []engine.GuardMove{move([]string{"payment"}, []string{"ship"}, 1)},
			},
			wantPolicies: []string{PolicyProtectedActivities},
		},
		{
			name: "frozen definition",
			input: engine.GuardInput{
				DefinitionKey: "legacy",
				Moves:         []engine.GuardMove{move([]string{"a"}, []string{"b"}, 1)},
			},
			wantPolicies: []string{PolicyFrozenDefinitions},
		},
		{
			name: "reserved variable",
			input: engine.GuardInput{
				DefinitionKey:    "order",
				Moves:            []engine.GuardMove{move([]string{"a"}, []string{"b"}, 1)},
				ProcessVariables: []string{"approved", "loopCounter"},
			},
			wantPolicies: []string{PolicyReservedVariables},
		},
		{
			name: "too many executions",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves:         []engine.GuardMove{move([]string{"a"}, []string{"b"}, 3)},
			},
			wantPolicies: []string{PolicyBulkMove},
		},
		{
			name: "cross instance move warns",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves: []engine.GuardMove{{
					Kind:         engine.MoveToParentInstance,
					SourceIDs:    []string{"sign"},
					TargetIDs:    []string{"ship"},
					ExecutionIDs: []string{"exec"},
				}},
			},
			wantAllowed:  true,
			wantWarnings: []string{PolicyCrossInstanceMoves},
		},
		{
			name: "restart reports",
			input: engine.GuardInput{
				DefinitionKey: "order",
				Moves:         []engine.GuardMove{move([]string{"review"}, []string{"review"}, 1)},
			},
			wantAllowed:  true,
			wantWarnings: []string{PolicyRestartActivity},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.wantAllowed, result.Allowed, result.Violations)
			}

			var policies, warnings []string
			for _, v := range result.Violations {
				policies = append(policies, v.Policy)
			}
			for _, w := range result.Warnings {
				warnings = append(warnings, w.Policy)
			}
			if diff := cmp.Diff(tt.wantPolicies, policies, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Unexpected violations (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantWarnings, warnings, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Unexpected warnings (-want +got):\n%s", diff)
			}
			if len(result.Errors) != 0 {
				t.Errorf("Unexpected evaluation errors: %v", result.Errors)
			}
			if len(result.EvaluatedPolicies) != 6 {
				t.Errorf("Expected 6 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_ViolationFields(t *testing.T) {
	eng := setupTestEngine(t, WithConfigData(map[string]interface{}{
		"protected_activities": []interface{}{"payment"},
	}))

	result, err := eng.Evaluate(context.Background(), engine.GuardInput{
		DefinitionKey: "order",
		Moves:         []engine.GuardMove{move([]string{"review"}, []string{"payment"}, 1)},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	want := []Violation{{
		Policy:     PolicyProtectedActivities,
		ActivityID: "payment",
		Message:    "activity 'payment' is protected and cannot receive moved tokens",
		Severity:   SeverityError,
		DetectedAt: testNow,
	}}
	if diff := cmp.Diff(want, result.Violations); diff != "" {
		t.Errorf("Unexpected violations (-want +got):\n%s", diff)
	}
}

func TestCheck_ContextAndCustomPolicy(t *testing.T) {
	eng := setupTestEngine(t, WithoutBuiltins(), WithEnvironment("production"))

	err := eng.SetPolicies(context.Background(), []Policy{{
		Name:     "operators-only",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.operators

import rego.v1

deny contains msg if {
	input.context.environment == "production"
	input.context.user != "operator"
	msg := sprintf("user '%s' may not change state in production", [input.context.user])
}
`,
	}})
	if err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	input := engine.GuardInput{ProcessInstanceID: "pi-1", Moves: []engine.GuardMove{move([]string{"a"}, []string{"b"}, 1)}}

	err = eng.Check(WithUser(context.Background(), "alice"), input)
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("Expected a DenialError, got %v", err)
	}
	if got := denial.Error(); got != "operators-only: user 'alice' may not change state in production" {
		t.Errorf("Unexpected denial message: %q", got)
	}

	if err := eng.Check(WithUser(context.Background(), "operator"), input); err != nil {
		t.Errorf("Expected operator to be allowed, got %v", err)
	}

	if err := eng.DisablePolicy("operators-only"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Check(WithUser(context.Background(), "alice"), input); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestSetPolicies_KeepsBuiltinsAndRejectsInvalid(t *testing.T) {
	eng := setupTestEngine(t)

	good := Policy{Name: "custom", Enabled: true, Rego: "package custom\n\nimport rego.v1\n\ndeny contains \"no\" if false\n"}
	if err := eng.SetPolicies(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 7 {
		t.Fatalf("Expected 7 policies, got %d", len(eng.ListPolicies()))
	}
	p, err := eng.GetPolicy("custom")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", p.Severity)
	}

	bad := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains"}
	if err := eng.SetPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("custom"); err != nil {
		t.Error("Expected a failed replacement to leave the policy set unchanged")
	}

	if err := eng.SetPolicies(context.Background(), nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if len(eng.ListPolicies()) != 6 {
		t.Errorf("Expected built-ins to survive, got %d policies", len(eng.ListPolicies()))
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := setupTestEngine(t)
	if err := eng.DisablePolicy(PolicyBulkMove); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy(PolicyBulkMove)
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !p.Enabled {
		t.Error("Expected reload to restore built-in defaults")
	}
}

const reviewProcess = `
key: review
activities:
  - {id: start, type: startEvent}
  - {id: draft, type: userTask}
  - {id: approve, type: userTask}
  - {id: end, type: endEvent}
flows:
  - {id: f1, source: start, target: draft}
  - {id: f2, source: draft, target: approve}
  - {id: f3, source: approve, target: end}
`

func TestEngineGuard(t *testing.T) {
	loader, err := model.NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	def, err := loader.Parse([]byte(reviewProcess))
	if err != nil {
		t.Fatalf("Failed to parse definition: %v", err)
	}
	repo := model.NewRepository()
	if _, err := repo.Deploy(def); err != nil {
		t.Fatalf("Failed to deploy: %v", err)
	}

	guard := setupTestEngine(t, WithConfigData(map[string]interface{}{
		"protected_activities": []interface{}{"approve"},
	}))
	eng := engine.New(repo, engine.WithGuard(guard))
	ctx := context.Background()

	pi, err := eng.StartProcessInstance(ctx, "review", nil)
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	_, err = eng.ChangeState(ctx, engine.NewChangeStateBuilder(pi.ID).MoveActivityIDTo("draft", "approve").Build())
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("Expected ErrPolicyDenied, got %v", err)
	}
	var denial *DenialError
	if !errors.As(err, &denial) || denial.Violations[0].ActivityID != "approve" {
		t.Errorf("Expected the denial to carry the violation, got %v", err)
	}

	active, err := eng.ActiveActivityIDs(ctx, pi.ID)
	if err != nil {
		t.Fatalf("ActiveActivityIDs failed: %v", err)
	}
	if diff := cmp.Diff([]string{"draft"}, active); diff != "" {
		t.Errorf("Denied request changed state (-want +got):\n%s", diff)
	}

	if _, err := eng.ChangeState(ctx, engine.NewChangeStateBuilder(pi.ID).MoveActivityIDTo("draft", "end").Build()); err != nil {
		t.Fatalf("Expected move to end to be allowed, got %v", err)
	}
}
