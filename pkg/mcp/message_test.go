package mcp

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecode_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		raw            string
		isRequest      bool
		isNotification bool
		isResponse     bool
		method         string
	}{
		{
			name:      "request",
			raw:       `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			isRequest: true,
			method:    "tools/list",
		},
		{
			name:           "notification",
			raw:            `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			isNotification: true,
			method:         "notifications/initialized",
		},
		{
			name:       "result response",
			raw:        `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			raw:        `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"nope"}}`,
			isResponse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Decode([]byte(tt.raw), ClientToServer)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got := msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
			if got := msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := msg.Method(); got != tt.method {
				t.Errorf("Method() = %q, want %q", got, tt.method)
			}
			if !bytes.Equal(msg.Raw, []byte(tt.raw)) {
				t.Error("Raw must preserve the input bytes")
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		``,
		`{`,
		`not json at all`,
		`[1,2,3`,
	} {
		if _, err := Decode([]byte(raw), ClientToServer); err == nil {
			t.Errorf("Decode(%q) expected error", raw)
		}
	}
}

func TestMessage_ToolName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "string name",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp/x"}}}`,
			want: "read_file",
		},
		{
			name: "numeric name is not a tool name",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":42}}`,
			want: "",
		},
		{
			name: "missing params",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := Decode([]byte(tt.raw), ClientToServer)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got := msg.ToolName(); got != tt.want {
				t.Errorf("ToolName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_RawID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{`{"jsonrpc":"2.0","id":7,"method":"x"}`, `7`},
		{`{"jsonrpc":"2.0","id":"abc","method":"x"}`, `"abc"`},
		{`{"jsonrpc":"2.0","method":"x"}`, ``},
	}

	for _, tt := range tests {
		msg := &Message{Raw: []byte(tt.raw)}
		got := msg.RawID()
		if string(got) != tt.want {
			t.Errorf("RawID(%s) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestMessage_UnknownFieldsSurvive(t *testing.T) {
	t.Parallel()

	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{},"_meta":{"trace":"xyz"}}}`
	msg, err := Decode([]byte(raw), ClientToServer)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	// Forwarding uses Raw, so vendor extensions under params pass through.
	if !bytes.Contains(msg.Raw, []byte(`"_meta":{"trace":"xyz"}`)) {
		t.Error("unknown params fields must survive in Raw")
	}
}

func TestNewResult(t *testing.T) {
	t.Parallel()

	msg, err := NewResult(json.RawMessage(`1`), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResult() error: %v", err)
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  map[string]any  `json:"result"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", envelope.JSONRPC)
	}
	if string(envelope.ID) != "1" {
		t.Errorf("id = %s, want 1", envelope.ID)
	}
	if envelope.Result["ok"] != true {
		t.Errorf("result = %v, want ok:true", envelope.Result)
	}
	if envelope.Error != nil {
		t.Error("result response must not carry an error member")
	}
	if msg.Direction != ServerToClient {
		t.Errorf("direction = %v, want server->client", msg.Direction)
	}
}

func TestNewError(t *testing.T) {
	t.Parallel()

	msg := NewError(json.RawMessage(`"req-9"`), CodeInternalError, "upstream error")

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(envelope.ID) != `"req-9"` {
		t.Errorf("id = %s, want %q", envelope.ID, "req-9")
	}
	if envelope.Error.Code != CodeInternalError {
		t.Errorf("code = %d, want %d", envelope.Error.Code, CodeInternalError)
	}
	if envelope.Error.Message != "upstream error" {
		t.Errorf("message = %q, want %q", envelope.Error.Message, "upstream error")
	}
	if envelope.Result != nil {
		t.Error("error response must not carry a result member")
	}
}

func TestMessage_ParseParamsCached(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t"}}`), ClientToServer)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	first := msg.ParseParams()
	if first == nil || first["name"] != "t" {
		t.Fatalf("ParseParams() = %v, want name:t", first)
	}
	// The parsed map is cached, so a mutation is visible on the next call.
	first["marker"] = 1
	if msg.ParseParams()["marker"] != 1 {
		t.Error("ParseParams must cache and reuse the parsed map")
	}
}
