package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes produced by the gateway.
const (
	// CodeInvalidRequest is returned for bodies that are not valid
	// JSON-RPC 2.0 envelopes.
	CodeInvalidRequest int64 = -32600
	// CodeMethodNotFound is returned for unknown guard tools.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams is returned for malformed tool arguments.
	CodeInvalidParams int64 = -32602
	// CodeInternalError is returned when an upstream send or receive
	// fails. The client sees "upstream error" rather than the cause.
	CodeInternalError int64 = -32603
	// CodeUnavailable is returned when no upstream route matches.
	CodeUnavailable int64 = -32000
)

// Decode parses raw JSON-RPC bytes into a Message flowing in the given
// direction. The raw bytes are retained unmodified.
func Decode(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// Encode serializes a decoded JSON-RPC message to its wire form.
func Encode(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// wireError is the error member of a response envelope.
type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// envelope serializes gateway-built responses. Absent members are omitted
// so a result response carries no error member and vice versa.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// NewResult builds a success response carrying the given id and result.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return NewResultRaw(id, resultJSON)
}

// NewResultRaw builds a success response from pre-marshaled result bytes.
func NewResultRaw(id, result json.RawMessage) (*Message, error) {
	raw, err := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// NewError builds an error response with the given code and message.
// Marshaling a flat envelope cannot fail, so no error is returned.
func NewError(id json.RawMessage, code int64, message string) *Message {
	raw, _ := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &wireError{Code: code, Message: message},
	})
	return &Message{
		Raw:       raw,
		Direction: ServerToClient,
		Timestamp: time.Now(),
	}
}
