// Package authz decides tool-call admission and filters tool catalogs to
// the subset an identity may see.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/domain/policy"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// DenyError is returned when a tool call is rejected. Reason is safe to
// show to the client and to record in the audit trail.
type DenyError struct {
	Reason string
}

// Error implements the error interface.
func (e *DenyError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// Authorizer enforces per-identity tool allowlists and, when configured,
// the policy engine on top of them.
type Authorizer struct {
	policies policy.Engine
	logger   *slog.Logger
}

// New creates an Authorizer. policies may be nil, in which case only
// allowlists apply.
func New(policies policy.Engine, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		policies: policies,
		logger:   logger.With("component", "authz"),
	}
}

// AuthorizeToolCall admits or rejects a named tool for an identity.
// A nil allowed set admits everything; otherwise the set must contain the
// tool or the wildcard. Policies run only on calls the allowlist admits.
func (a *Authorizer) AuthorizeToolCall(ctx context.Context, identity *auth.Identity, tool string) error {
	if !allowedByList(identity, tool) {
		return &DenyError{Reason: fmt.Sprintf("tool %q is not in the allowed set for identity %q", tool, identityID(identity))}
	}

	if a.policies == nil {
		return nil
	}

	decision, err := a.policies.Evaluate(ctx, policy.Input{
		IdentityID: identityID(identity),
		Tool:       tool,
		Method:     mcp.MethodToolsCall,
		Claims:     claims(identity),
	})
	if err != nil {
		// A broken policy must not fail open.
		a.logger.Error("policy evaluation failed", "tool", tool, "error", err)
		return &DenyError{Reason: "policy evaluation failed"}
	}
	if decision.Matched && decision.Action == policy.ActionDeny {
		return &DenyError{Reason: fmt.Sprintf("denied by policy %q", decision.RuleName)}
	}
	return nil
}

// AuthorizeRequest checks a full message. Only tools/call requests with a
// string params.name are subject to tool authorization; everything else is
// admitted.
func (a *Authorizer) AuthorizeRequest(ctx context.Context, identity *auth.Identity, msg *mcp.Message) error {
	if !msg.IsToolCall() {
		return nil
	}
	tool := msg.ToolName()
	if tool == "" {
		return nil
	}
	return a.AuthorizeToolCall(ctx, identity, tool)
}

// FilterToolsList rewrites a tools/list response so result.tools contains
// only tools the identity may call. Unrestricted identities get the
// message back untouched. Entries without a string name are dropped. The
// rest of the envelope is preserved.
func (a *Authorizer) FilterToolsList(msg *mcp.Message, identity *auth.Identity) *mcp.Message {
	if identity.Unrestricted() {
		return msg
	}
	if !gjson.GetBytes(msg.Raw, "result.tools").IsArray() {
		return msg
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return msg
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(envelope["result"], &result); err != nil {
		return msg
	}
	var tools []json.RawMessage
	if err := json.Unmarshal(result["tools"], &tools); err != nil {
		return msg
	}

	filtered := make([]json.RawMessage, 0, len(tools))
	for _, tool := range tools {
		name := gjson.GetBytes(tool, "name")
		if name.Type != gjson.String {
			continue
		}
		if allowedByList(identity, name.Str) {
			filtered = append(filtered, tool)
		}
	}

	toolsJSON, err := json.Marshal(filtered)
	if err != nil {
		return msg
	}
	result["tools"] = toolsJSON
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return msg
	}
	envelope["result"] = resultJSON
	raw, err := json.Marshal(envelope)
	if err != nil {
		return msg
	}

	a.logger.Debug("filtered tool catalog",
		"identity", identityID(identity),
		"total", len(tools),
		"visible", len(filtered),
	)

	return &mcp.Message{
		Raw:       raw,
		Direction: msg.Direction,
		Timestamp: msg.Timestamp,
		Identity:  msg.Identity,
	}
}

// allowedByList applies the allowlist semantics shared by call admission
// and catalog filtering.
func allowedByList(identity *auth.Identity, tool string) bool {
	if identity == nil || identity.AllowedTools == nil {
		return true
	}
	for _, allowed := range identity.AllowedTools {
		if allowed == "*" || allowed == tool {
			return true
		}
	}
	return false
}

func identityID(identity *auth.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.ID
}

func claims(identity *auth.Identity) map[string]any {
	if identity == nil {
		return nil
	}
	return identity.Claims
}
