// Package cel provides a CEL-backed policy engine for tool-call authorization.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/guardpost/guardpost/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// compiledRule pairs a policy rule with its compiled program.
type compiledRule struct {
	rule policy.Rule
	prg  cel.Program
}

// Engine evaluates ordered policy rules against tool-call inputs. Rules are
// compiled once at construction; the first rule whose expression evaluates to
// true decides the outcome.
type Engine struct {
	rules []compiledRule
}

var _ policy.Engine = (*Engine)(nil)

// newPolicyEnvironment creates the CEL environment for policy expressions.
// The variables mirror the fields of policy.Input.
func newPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("identity_id", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEngine compiles the given rules and returns an engine ready for
// evaluation. Compilation failures name the offending rule.
func NewEngine(rules []policy.Rule) (*Engine, error) {
	env, err := newPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		prg, err := compile(env, rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, prg: prg})
	}
	return &Engine{rules: compiled}, nil
}

// compile validates and compiles a single expression with the safety limits
// applied.
func compile(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs the rules in order and returns the decision of the first rule
// whose expression evaluates to true. When no rule matches the decision is
// unmatched and the caller admits the call.
func (e *Engine) Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error) {
	if len(e.rules) == 0 {
		return policy.Decision{}, nil
	}

	activation := buildActivation(input)

	for _, cr := range e.rules {
		matched, err := evalRule(ctx, cr.prg, activation)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("rule %q: %w", cr.rule.Name, err)
		}
		if matched {
			return policy.Decision{
				Matched:  true,
				Action:   cr.rule.Action,
				RuleName: cr.rule.Name,
			}, nil
		}
	}
	return policy.Decision{}, nil
}

// evalRule executes one compiled program with a timeout so a pathological
// expression cannot hang the request path.
func evalRule(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// buildActivation maps a policy input onto the environment's variables.
// Claims default to an empty map so expressions can index them without
// nil checks.
func buildActivation(input policy.Input) map[string]any {
	claims := input.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return map[string]any{
		"identity_id": input.IdentityID,
		"tool":        input.Tool,
		"method":      input.Method,
		"claims":      claims,
	}
}
