package expression

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestIsExpression(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"${x > 1}", true},
		{"  ${x}  ", true},
		{"x > 1", false},
		{"${x", false},
		{"orderProcess", false},
	}
	for _, tt := range tests {
		if got := IsExpression(tt.in); got != tt.want {
			t.Errorf("IsExpression(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := Source("${ amount * 2 }"); got != "amount * 2" {
		t.Errorf("Expected 'amount * 2', got %q", got)
	}
}

func TestEvaluator_Eval(t *testing.T) {
	ev := NewEvaluator(time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		expr      string
		vars      map[string]interface{}
		checkFunc func(*testing.T, interface{})
		wantErr   bool
	}{
		{
			name: "arithmetic on variables",
			expr: "${amount * 2}",
			vars: map[string]interface{}{"amount": 21},
			checkFunc: func(t *testing.T, v interface{}) {
				if v != int64(42) {
					t.Errorf("expected 42, got %v", v)
				}
			},
		},
		{
			name: "string concatenation",
			expr: `${"sub" + suffix}`,
			vars: map[string]interface{}{"suffix": "Process"},
			checkFunc: func(t *testing.T, v interface{}) {
				if v != "subProcess" {
					t.Errorf("expected subProcess, got %v", v)
				}
			},
		},
		{
			name: "list comprehension",
			expr: "${[x * 2 for x in items]}",
			vars: map[string]interface{}{"items": []interface{}{1, 2, 3}},
			checkFunc: func(t *testing.T, v interface{}) {
				list, ok := v.([]interface{})
				if !ok || len(list) != 3 || list[2] != int64(6) {
					t.Errorf("unexpected list: %v", v)
				}
			},
		},
		{
			name:    "undefined variable",
			expr:    "${missing + 1}",
			wantErr: true,
		},
		{
			name:    "empty",
			expr:    "${ }",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Eval(ctx, tt.expr, tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, got)
			}
		})
	}
}

func TestEvaluator_Typed(t *testing.T) {
	ev := NewEvaluator(time.Second)
	ctx := context.Background()
	vars := map[string]interface{}{
		"nrOfCompletedInstances": 2,
		"nrOfInstances":          4,
		"users":                  []string{"kermit", "gonzo"},
		"key":                    "invoice",
	}

	done, err := ev.EvalBool(ctx, "${nrOfCompletedInstances / nrOfInstances >= 0.5}", vars)
	if err != nil || !done {
		t.Errorf("Expected completion condition true, got %v (%v)", done, err)
	}

	n, err := ev.EvalInt(ctx, "3", nil)
	if err != nil || n != 3 {
		t.Errorf("Expected literal 3, got %d (%v)", n, err)
	}
	n, err = ev.EvalInt(ctx, "${len(users)}", vars)
	if err != nil || n != 2 {
		t.Errorf("Expected 2, got %d (%v)", n, err)
	}

	list, err := ev.EvalList(ctx, "users", vars)
	if err != nil || len(list) != 2 {
		t.Errorf("Expected 2 users, got %v (%v)", list, err)
	}

	s, err := ev.ResolveString(ctx, "plainKey", vars)
	if err != nil || s != "plainKey" {
		t.Errorf("Expected plainKey, got %q (%v)", s, err)
	}
	s, err = ev.ResolveString(ctx, "${key + 'Process'}", vars)
	if err != nil || s != "invoiceProcess" {
		t.Errorf("Expected invoiceProcess, got %q (%v)", s, err)
	}
	if _, err := ev.ResolveString(ctx, "${1 + 1}", vars); err == nil {
		t.Error("Expected error for non-string result")
	}
}

func TestEvaluator_StepLimit(t *testing.T) {
	ev := NewEvaluator(5 * time.Second)
	ev.maxSteps = 1000

	_, err := ev.Eval(context.Background(), "${[x for x in range(1000000)]}", nil)
	if err == nil {
		t.Fatal("Expected step limit error, got nil")
	}
	if !strings.Contains(err.Error(), "too many steps") {
		t.Errorf("Expected step limit error, got: %v", err)
	}
}

func TestEvaluator_CancelledContext(t *testing.T) {
	ev := NewEvaluator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ev.Eval(ctx, "${[x for x in range(100000000)]}", nil)
	if err == nil {
		t.Fatal("Expected cancellation error, got nil")
	}
}
