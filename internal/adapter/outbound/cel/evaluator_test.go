package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/guardpost/guardpost/internal/domain/policy"
)

func TestNewEngine_CompileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
	}{
		{"empty expression", ""},
		{"syntax error", "tool =="},
		{"unknown variable", "destination == 'x'"},
		{"too long", "tool == '" + strings.Repeat("a", maxExpressionLength) + "'"},
		{"nesting too deep", strings.Repeat("(", 51) + "true" + strings.Repeat(")", 51)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewEngine([]policy.Rule{{Name: "r", Expression: tt.expr, Action: policy.ActionDeny}})
			if err == nil {
				t.Errorf("NewEngine(%q) succeeded, want compile error", tt.expr)
			}
		})
	}
}

func TestEngine_Evaluate(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine([]policy.Rule{
		{Name: "block-writes", Expression: `tool.startsWith("write_")`, Action: policy.ActionDeny},
		{Name: "admins-anywhere", Expression: `claims["team"] == "sre"`, Action: policy.ActionAllow},
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	ctx := context.Background()
	tests := []struct {
		name     string
		input    policy.Input
		wantRule string
		wantAct  policy.Action
		matched  bool
	}{
		{
			name:     "first matching rule decides",
			input:    policy.Input{IdentityID: "a", Tool: "write_file", Method: "tools/call", Claims: map[string]any{"team": "sre"}},
			wantRule: "block-writes",
			wantAct:  policy.ActionDeny,
			matched:  true,
		},
		{
			name:     "later rule reached when earlier is false",
			input:    policy.Input{IdentityID: "a", Tool: "read_file", Method: "tools/call", Claims: map[string]any{"team": "sre"}},
			wantRule: "admins-anywhere",
			wantAct:  policy.ActionAllow,
			matched:  true,
		},
		{
			name:    "no match",
			input:   policy.Input{IdentityID: "a", Tool: "read_file", Method: "tools/call"},
			matched: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			decision, err := engine.Evaluate(ctx, tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if decision.Matched != tt.matched {
				t.Fatalf("Matched = %v, want %v", decision.Matched, tt.matched)
			}
			if !tt.matched {
				return
			}
			if decision.RuleName != tt.wantRule || decision.Action != tt.wantAct {
				t.Errorf("decision = %+v, want rule %q action %q", decision, tt.wantRule, tt.wantAct)
			}
		})
	}
}

func TestEngine_Evaluate_NilClaims(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine([]policy.Rule{
		{Name: "claim-gate", Expression: `"scope" in claims && claims["scope"] == "admin"`, Action: policy.ActionAllow},
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), policy.Input{IdentityID: "a", Tool: "t", Method: "tools/call"})
	if err != nil {
		t.Fatalf("Evaluate() with nil claims error: %v", err)
	}
	if decision.Matched {
		t.Error("claim gate matched with nil claims")
	}
}

func TestEngine_Evaluate_NonBooleanResult(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine([]policy.Rule{
		{Name: "not-a-bool", Expression: `tool + "x"`, Action: policy.ActionDeny},
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	_, err = engine.Evaluate(context.Background(), policy.Input{Tool: "t"})
	if err == nil {
		t.Error("non-boolean expression must fail evaluation")
	}
}

func TestEngine_Evaluate_NoRules(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine(nil) error: %v", err)
	}
	decision, err := engine.Evaluate(context.Background(), policy.Input{Tool: "anything"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if decision.Matched {
		t.Error("empty engine must not match")
	}
}
