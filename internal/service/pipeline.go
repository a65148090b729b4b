package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardpost/guardpost/internal/domain/audit"
	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/domain/authz"
	"github.com/guardpost/guardpost/internal/domain/ratelimit"
	"github.com/guardpost/guardpost/internal/domain/route"
	"github.com/guardpost/guardpost/internal/domain/upstream"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// RateLimitError reports a rate-limit rejection. The decision carries
// what the transport needs for Retry-After and X-RateLimit-* headers.
type RateLimitError struct {
	Decision ratelimit.Decision
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Decision.RetryAfter)
}

// InvalidMessageError reports a body that is not a JSON-RPC envelope.
type InvalidMessageError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %v", e.Err)
}

// Unwrap exposes the decode error.
func (e *InvalidMessageError) Unwrap() error {
	return e.Err
}

// TransportOpener creates a transport for a route. Injected so the
// pipeline stays independent of the concrete transport adapters.
type TransportOpener func(ctx context.Context, rt *route.Route) (upstream.Transport, error)

// Instrumentation receives pipeline events. All fields are optional.
type Instrumentation struct {
	OnAuth          func(method string, success bool)
	OnAuthzDeny     func()
	OnRateLimit     func(allowed bool)
	OnUpstreamError func(routeName string)
}

func (i *Instrumentation) auth(method string, success bool) {
	if i != nil && i.OnAuth != nil {
		i.OnAuth(method, success)
	}
}

func (i *Instrumentation) authzDeny() {
	if i != nil && i.OnAuthzDeny != nil {
		i.OnAuthzDeny()
	}
}

func (i *Instrumentation) rateLimit(allowed bool) {
	if i != nil && i.OnRateLimit != nil {
		i.OnRateLimit(allowed)
	}
}

func (i *Instrumentation) upstreamError(routeName string) {
	if i != nil && i.OnUpstreamError != nil {
		i.OnUpstreamError(routeName)
	}
}

// Pipeline runs every request through the security chain:
// authenticate, rate limit, decode, guard dispatch, authorize, route,
// forward, filter, audit. It is transport-independent; the HTTP and
// stdio adapters own credential extraction and status mapping.
type Pipeline struct {
	provider   auth.Provider
	limiter    ratelimit.Limiter
	authorizer *authz.Authorizer
	router     *route.Router
	guard      *GuardService
	audits     *AuditService
	open       TransportOpener
	metrics    *Instrumentation
	tracer     trace.Tracer
	logger     *slog.Logger

	mu    sync.Mutex
	conns map[string]*pooledTransport
}

// pooledTransport serializes one route's request/reply exchange so
// concurrent callers cannot interleave on a shared connection.
type pooledTransport struct {
	mu sync.Mutex
	tr upstream.Transport
}

// PipelineOption configures Pipeline.
type PipelineOption func(*Pipeline)

// WithInstrumentation attaches metric callbacks.
func WithInstrumentation(metrics *Instrumentation) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// NewPipeline assembles the chain. limiter and audits may be nil when
// the corresponding stage is disabled.
func NewPipeline(
	provider auth.Provider,
	limiter ratelimit.Limiter,
	authorizer *authz.Authorizer,
	router *route.Router,
	guard *GuardService,
	audits *AuditService,
	open TransportOpener,
	logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		provider:   provider,
		limiter:    limiter,
		authorizer: authorizer,
		router:     router,
		guard:      guard,
		audits:     audits,
		open:       open,
		tracer:     otel.Tracer("guardpost/pipeline"),
		logger:     logger.With("component", "pipeline"),
		conns:      make(map[string]*pooledTransport),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authenticate runs only the authentication stage. The stdio adapter
// and tests use it directly.
func (p *Pipeline) Authenticate(ctx context.Context, cred auth.Credential) (*auth.Identity, error) {
	ctx, span := p.tracer.Start(ctx, "auth")
	defer span.End()

	identity, err := p.provider.Authenticate(ctx, cred)
	if err != nil {
		p.metrics.auth("", false)
		p.auditAuthFailure(cred, err)
		return nil, err
	}
	p.metrics.auth(authMethod(identity), true)
	p.auditEvent(audit.EventAuthSuccess, identity.ID, "", true, "", nil)
	return identity, nil
}

// Handle processes one raw client message. path selects the upstream
// route (the URL path below the MCP mount; empty for stdio mode).
//
// A nil reply with nil error means the message was a notification:
// it was admitted and forwarded, and no response exists.
func (p *Pipeline) Handle(ctx context.Context, raw []byte, cred auth.Credential, path string) (*mcp.Message, error) {
	identity, err := p.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	return p.HandleAuthenticated(ctx, raw, identity, path)
}

// HandleAuthenticated runs the post-authentication stages for an
// already-established identity.
func (p *Pipeline) HandleAuthenticated(ctx context.Context, raw []byte, identity *auth.Identity, path string) (*mcp.Message, error) {
	// Decode before rate limiting: a malformed body is rejected outright
	// and must not consume a token.
	msg, err := mcp.Decode(raw, mcp.ClientToServer)
	if err != nil {
		return nil, &InvalidMessageError{Err: err}
	}
	msg.Identity = identity

	if p.limiter != nil {
		_, span := p.tracer.Start(ctx, "rate_limit")
		decision, err := p.limiter.Allow(ctx, identity.ID, identity.RateLimit)
		span.End()
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		p.metrics.rateLimit(decision.Allowed)
		if !decision.Allowed {
			p.auditEvent(audit.EventRateLimited, identity.ID, "", false,
				fmt.Sprintf("retry after %s", decision.RetryAfter), nil)
			return nil, &RateLimitError{Decision: decision}
		}
	}

	if msg.IsToolCall() && IsGuardTool(msg.ToolName()) {
		return p.handleGuardCall(ctx, identity, msg)
	}

	authzCtx, authzSpan := p.tracer.Start(ctx, "authorize")
	err = p.authorizer.AuthorizeRequest(authzCtx, identity, msg)
	authzSpan.End()
	if err != nil {
		var deny *authz.DenyError
		if errors.As(err, &deny) {
			p.metrics.authzDeny()
			p.auditEvent(audit.EventAuthzDeny, identity.ID, msg.ToolName(), false, deny.Reason, nil)
		}
		return nil, err
	}

	ctx, forwardSpan := p.tracer.Start(ctx, "forward")
	defer forwardSpan.End()
	return p.forward(ctx, identity, msg, path)
}

// handleGuardCall answers a guard/* tool in-process. Authorization for
// admin tools happens inside the guard service.
func (p *Pipeline) handleGuardCall(ctx context.Context, identity *auth.Identity, msg *mcp.Message) (*mcp.Message, error) {
	tool := msg.ToolName()
	args := guardArguments(msg)

	result, err := p.guard.Call(ctx, identity, tool, args)
	if err != nil {
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			return nil, err
		}
		switch toolErr.Kind {
		case ToolUnauthorized:
			p.metrics.authzDeny()
			p.auditEvent(audit.EventAuthzDeny, identity.ID, tool, false, toolErr.Detail, nil)
			return nil, &authz.DenyError{Reason: toolErr.Detail}
		case ToolNotFound:
			return mcp.NewError(msg.RawID(), mcp.CodeMethodNotFound, toolErr.Detail), nil
		case ToolInvalidArguments:
			return mcp.NewError(msg.RawID(), mcp.CodeInvalidParams, toolErr.Detail), nil
		default:
			p.logger.Error("guard tool failed", "tool", tool, "error", toolErr.Detail)
			return mcp.NewError(msg.RawID(), mcp.CodeInternalError, "internal error"), nil
		}
	}

	p.auditEvent(audit.EventToolCall, identity.ID, tool, true, "", nil)

	if msg.IsNotification() {
		return nil, nil
	}
	reply, err := mcp.NewResult(msg.RawID(), result)
	if err != nil {
		return mcp.NewError(msg.RawID(), mcp.CodeInternalError, "internal error"), nil
	}
	return reply, nil
}

// forward sends the message to the routed upstream and post-processes
// the reply.
func (p *Pipeline) forward(ctx context.Context, identity *auth.Identity, msg *mcp.Message, path string) (*mcp.Message, error) {
	rt, err := p.router.Find(path)
	if err != nil {
		// tools/list still serves the gateway's own catalog when no
		// upstream exists to merge with.
		if msg.Method() == mcp.MethodToolsList && msg.IsRequest() {
			return p.guardOnlyCatalog(identity, msg)
		}
		var noRoute *route.NoRouteError
		if errors.As(err, &noRoute) {
			return mcp.NewError(msg.RawID(), mcp.CodeUnavailable, "no upstream route"), nil
		}
		return nil, err
	}

	reply, err := p.exchange(ctx, rt, msg)
	if err != nil {
		p.metrics.upstreamError(rt.Name)
		p.auditEvent(audit.EventUpstreamError, identity.ID, msg.ToolName(), false, err.Error(),
			map[string]any{"route": rt.Name})
		if msg.IsNotification() {
			return nil, nil
		}
		return mcp.NewError(msg.RawID(), mcp.CodeInternalError, "upstream error"), nil
	}

	if msg.IsToolCall() {
		p.auditEvent(audit.EventToolCall, identity.ID, msg.ToolName(), true, "",
			map[string]any{"route": rt.Name, "args": auditArgs(msg)})
	}

	if reply == nil {
		return nil, nil
	}

	if msg.Method() == mcp.MethodToolsList {
		reply = p.mergeGuardTools(reply, identity)
		reply = p.authorizer.FilterToolsList(reply, identity)
	}
	reply.Identity = identity
	return reply, nil
}

// exchange performs one send (and for requests, one receive) on the
// route's pooled transport. The per-route lock keeps request/reply
// pairing intact across concurrent callers.
func (p *Pipeline) exchange(ctx context.Context, rt *route.Route, msg *mcp.Message) (*mcp.Message, error) {
	conn, err := p.transport(ctx, rt)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := conn.tr.Send(ctx, msg); err != nil {
		p.evict(rt.Name, conn)
		return nil, err
	}
	if msg.IsNotification() {
		return nil, nil
	}
	reply, err := conn.tr.Receive(ctx)
	if err != nil {
		p.evict(rt.Name, conn)
		return nil, err
	}
	return reply, nil
}

// transport returns the route's pooled transport, opening it on first
// use.
func (p *Pipeline) transport(ctx context.Context, rt *route.Route) (*pooledTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[rt.Name]; ok {
		return conn, nil
	}
	tr, err := p.open(ctx, rt)
	if err != nil {
		return nil, err
	}
	conn := &pooledTransport{tr: tr}
	p.conns[rt.Name] = conn
	return conn, nil
}

// evict drops a failed transport so the next request reopens it.
func (p *Pipeline) evict(routeName string, conn *pooledTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.conns[routeName]; ok && current == conn {
		delete(p.conns, routeName)
	}
	if err := conn.tr.Close(); err != nil {
		p.logger.Debug("closing failed transport", "route", routeName, "error", err)
	}
}

// Close shuts down all pooled transports.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, conn := range p.conns {
		if err := conn.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transport %s: %w", name, err))
		}
		delete(p.conns, name)
	}
	return errors.Join(errs...)
}

// guardOnlyCatalog builds a tools/list reply from the guard tools alone.
func (p *Pipeline) guardOnlyCatalog(identity *auth.Identity, msg *mcp.Message) (*mcp.Message, error) {
	reply, err := mcp.NewResult(msg.RawID(), map[string]any{
		"tools": p.guard.Descriptors(identity),
	})
	if err != nil {
		return mcp.NewError(msg.RawID(), mcp.CodeInternalError, "internal error"), nil
	}
	reply = p.authorizer.FilterToolsList(reply, identity)
	reply.Identity = identity
	return reply, nil
}

// mergeGuardTools prepends the guard tool descriptors to an upstream
// tools/list result. Replies without a tools array pass through.
func (p *Pipeline) mergeGuardTools(reply *mcp.Message, identity *auth.Identity) *mcp.Message {
	if !gjson.GetBytes(reply.Raw, "result.tools").IsArray() {
		return reply
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(reply.Raw, &envelope); err != nil {
		return reply
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(envelope["result"], &result); err != nil {
		return reply
	}
	var upstreamTools []json.RawMessage
	if err := json.Unmarshal(result["tools"], &upstreamTools); err != nil {
		return reply
	}

	merged := make([]json.RawMessage, 0, len(upstreamTools)+8)
	for _, descriptor := range p.guard.Descriptors(identity) {
		data, err := json.Marshal(descriptor)
		if err != nil {
			continue
		}
		merged = append(merged, data)
	}
	merged = append(merged, upstreamTools...)

	toolsJSON, err := json.Marshal(merged)
	if err != nil {
		return reply
	}
	result["tools"] = toolsJSON
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return reply
	}
	envelope["result"] = resultJSON
	raw, err := json.Marshal(envelope)
	if err != nil {
		return reply
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: reply.Direction,
		Timestamp: reply.Timestamp,
		Identity:  reply.Identity,
	}
}

// guardArguments extracts params.arguments as a map.
func guardArguments(msg *mcp.Message) map[string]any {
	params := msg.ParseParams()
	if params == nil {
		return nil
	}
	args, _ := params["arguments"].(map[string]any)
	return args
}

// auditArgs returns the tool arguments with sensitive values masked for
// the audit trail.
func auditArgs(msg *mcp.Message) map[string]any {
	args := guardArguments(msg)
	if args == nil {
		return nil
	}
	return audit.RedactSensitiveArgs(args)
}

func authMethod(identity *auth.Identity) string {
	if identity == nil {
		return ""
	}
	method, _ := identity.Claims["auth_method"].(string)
	return method
}

// auditEvent enqueues one audit entry when auditing is enabled.
func (p *Pipeline) auditEvent(eventType, identityID, tool string, success bool, message string, metadata map[string]any) {
	if p.audits == nil {
		return
	}
	entry := audit.NewEntry(eventType)
	entry.Identity = identityID
	entry.Tool = tool
	entry.Success = success
	entry.Message = message
	entry.Metadata = metadata
	p.audits.Log(entry)
}

// auditAuthFailure records a failed authentication without credential
// material.
func (p *Pipeline) auditAuthFailure(cred auth.Credential, err error) {
	if p.audits == nil {
		return
	}
	entry := audit.NewEntry(audit.EventAuthFailure)
	entry.Success = false
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		entry.Message = authErr.Kind.String()
	} else {
		entry.Message = "authentication failed"
	}
	if cred.PeerIP != "" {
		entry.Metadata = map[string]any{"peer_ip": cred.PeerIP}
	}
	p.audits.Log(entry)
}
