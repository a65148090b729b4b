// Package mcp provides the JSON-RPC 2.0 envelope and codec used on every
// path through the gateway.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/tidwall/gjson"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from client to upstream.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from upstream to client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Methods the gateway inspects. Everything else passes through opaquely.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// Message is the envelope used for both directions. Raw holds the exact
// bytes received and is the source of truth for forwarding, so fields the
// gateway does not understand survive verbatim. Decoded is the parsed view
// used at the inspection points (method, tool name, tools catalog).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message flows toward the upstream
	// or back toward the client.
	Direction Direction

	// Decoded is the parsed JSON-RPC message. Nil on messages the gateway
	// constructed itself, where Raw is authoritative. The concrete type is
	// either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the gateway received the message.
	Timestamp time.Time

	// Identity is the authenticated caller. Set by the pipeline after
	// authentication, consumed by authorization, rate limiting, and audit.
	Identity *auth.Identity

	// parsedParams caches ParseParams.
	parsedParams map[string]any
}

// IsRequest reports whether this is a JSON-RPC request carrying an id.
func (m *Message) IsRequest() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && req.ID.IsValid()
}

// IsNotification reports whether this is a request without an id.
// Notifications never receive a reply.
func (m *Message) IsNotification() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && !req.ID.IsValid()
}

// IsResponse reports whether this is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name for requests and notifications, or the
// empty string for responses and undecoded messages.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall reports whether this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == MethodToolsCall
}

// Request returns the underlying request, or nil.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying response, or nil.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ToolName returns the string params.name of a tools/call request, or the
// empty string when the request carries none. Reads the raw params so no
// full unmarshal happens on the hot path.
func (m *Message) ToolName() string {
	req := m.Request()
	if req == nil || req.Params == nil {
		return ""
	}
	name := gjson.GetBytes(req.Params, "name")
	if name.Type != gjson.String {
		return ""
	}
	return name.Str
}

// ParseParams parses request params into a map once and caches the result.
// Returns nil for responses, empty params, or malformed params.
func (m *Message) ParseParams() map[string]any {
	if m.parsedParams != nil {
		return m.parsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.parsedParams = params
	return params
}

// RawID extracts the id field from the raw bytes, preserving its original
// form (number, string, or null) for request/reply correlation.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &envelope); err != nil {
		return nil
	}
	return envelope["id"]
}
