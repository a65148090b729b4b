// Package policy defines optional tool-call policies. Policies run after
// the identity allowlist admits a call and can veto or confirm it based on
// the request context.
package policy

import "context"

// Action is what a matching rule does.
type Action string

const (
	// ActionAllow admits the call and stops evaluation.
	ActionAllow Action = "allow"
	// ActionDeny rejects the call and stops evaluation.
	ActionDeny Action = "deny"
)

// Rule is one configured policy. Expression is a CEL expression over the
// variables in Input; the rule matches when it evaluates to true.
type Rule struct {
	Name       string
	Expression string
	Action     Action
}

// Input is the evaluation context for one tool call.
type Input struct {
	// IdentityID is the authenticated caller's id.
	IdentityID string
	// Tool is the tool being called.
	Tool string
	// Method is the JSON-RPC method.
	Method string
	// Claims are the identity's claims.
	Claims map[string]any
}

// Decision is the outcome of evaluating the rule list.
type Decision struct {
	// Matched reports whether any rule matched.
	Matched bool
	// Action is the matching rule's action. Meaningless unless Matched.
	Action Action
	// RuleName names the matching rule for audit entries.
	RuleName string
}

// Engine evaluates the configured rules in order. The first rule whose
// expression is true decides; no match admits the call.
type Engine interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}
