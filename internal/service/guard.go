package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"

	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/domain/audit"
	"github.com/guardpost/guardpost/internal/domain/auth"
)

// GuardPrefix marks tool names the gateway answers itself instead of
// forwarding upstream.
const GuardPrefix = "guard/"

// IsGuardTool reports whether the tool name is gateway-owned.
func IsGuardTool(name string) bool {
	return strings.HasPrefix(name, GuardPrefix)
}

// ToolErrorKind classifies guard tool failures.
type ToolErrorKind int

const (
	// ToolNotFound means no guard tool has the requested name.
	ToolNotFound ToolErrorKind = iota
	// ToolInvalidArguments means the arguments failed validation.
	ToolInvalidArguments
	// ToolUnauthorized means the identity lacks admin rights.
	ToolUnauthorized
	// ToolInternal means the tool itself failed.
	ToolInternal
)

// ToolError is a kind-tagged guard tool failure.
type ToolError struct {
	Kind   ToolErrorKind
	Detail string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return e.Detail
}

// ToolContent is one content item of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the tools/call result shape.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// textResult wraps text in a single-item tool result.
func textResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "rendering result"}
	}
	return textResult(string(data)), nil
}

// ToolDescriptor describes one guard tool for tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// GuardService implements the gateway's own tools. Health, metrics, and
// version are public; key management, audit queries, and config display
// require an admin identity, enforced here rather than by the caller.
type GuardService struct {
	keys       auth.KeyStore
	auditStore audit.Store
	gatherer   prometheus.Gatherer
	cfg        *config.Config
	version    string
	started    time.Time
	ready      func() bool
	logger     *slog.Logger
}

// GuardOption configures GuardService.
type GuardOption func(*GuardService)

// WithReadyCheck sets the readiness probe consulted by guard/health.
func WithReadyCheck(ready func() bool) GuardOption {
	return func(g *GuardService) {
		g.ready = ready
	}
}

// WithGatherer sets the metrics registry behind guard/metrics.
func WithGatherer(gatherer prometheus.Gatherer) GuardOption {
	return func(g *GuardService) {
		g.gatherer = gatherer
	}
}

// NewGuardService creates the guard tool provider. keys and auditStore
// may be nil; the corresponding admin tools then report an internal
// error instead of panicking.
func NewGuardService(keys auth.KeyStore, auditStore audit.Store, cfg *config.Config, version string, logger *slog.Logger, opts ...GuardOption) *GuardService {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GuardService{
		keys:       keys,
		auditStore: auditStore,
		cfg:        cfg,
		version:    version,
		started:    time.Now(),
		ready:      func() bool { return true },
		logger:     logger.With("component", "guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call dispatches one guard tool invocation.
func (g *GuardService) Call(ctx context.Context, identity *auth.Identity, tool string, args map[string]any) (*ToolResult, error) {
	switch tool {
	case "guard/health":
		return g.health()
	case "guard/version":
		return textResult(g.version), nil
	case "guard/metrics":
		return g.metrics()
	}

	if !identity.IsAdmin() {
		return nil, &ToolError{Kind: ToolUnauthorized, Detail: fmt.Sprintf("%s requires an admin identity", tool)}
	}

	switch tool {
	case "guard/keys/list":
		return g.keysList(ctx)
	case "guard/keys/create":
		return g.keysCreate(ctx, args)
	case "guard/keys/revoke":
		return g.keysRevoke(ctx, args)
	case "guard/audit/query":
		return g.auditQuery(ctx, args)
	case "guard/audit/stats":
		return g.auditStats(ctx)
	case "guard/config/show":
		return g.configShow()
	default:
		return nil, &ToolError{Kind: ToolNotFound, Detail: fmt.Sprintf("unknown guard tool %q", tool)}
	}
}

func (g *GuardService) health() (*ToolResult, error) {
	return jsonResult(map[string]any{
		"status":         "ok",
		"ready":          g.ready(),
		"version":        g.version,
		"uptime_seconds": int64(time.Since(g.started).Seconds()),
	})
}

func (g *GuardService) metrics() (*ToolResult, error) {
	if g.gatherer == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "metrics registry not configured"}
	}
	families, err := g.gatherer.Gather()
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "gathering metrics"}
	}
	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return nil, &ToolError{Kind: ToolInternal, Detail: "encoding metrics"}
		}
	}
	return textResult(sb.String()), nil
}

func (g *GuardService) keysList(ctx context.Context) (*ToolResult, error) {
	if g.keys == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "key store not configured"}
	}
	records, err := g.keys.List(ctx)
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "listing keys"}
	}
	// Hashes stay out of the listing.
	type keyView struct {
		ID           string   `json:"id"`
		AllowedTools []string `json:"allowed_tools,omitempty"`
		RateLimit    float64  `json:"rate_limit,omitempty"`
	}
	views := make([]keyView, 0, len(records))
	for _, record := range records {
		views = append(views, keyView{
			ID:           record.ID,
			AllowedTools: record.AllowedTools,
			RateLimit:    record.RateLimit,
		})
	}
	return jsonResult(views)
}

func (g *GuardService) keysCreate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if g.keys == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "key store not configured"}
	}
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "id (string) is required"}
	}
	var allowedTools []string
	if rawTools, present := args["allowed_tools"]; present {
		list, ok := rawTools.([]any)
		if !ok {
			return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "allowed_tools must be a string array"}
		}
		for _, item := range list {
			tool, ok := item.(string)
			if !ok {
				return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "allowed_tools must be a string array"}
			}
			allowedTools = append(allowedTools, tool)
		}
	}
	var rateLimit float64
	if rawLimit, present := args["rate_limit"]; present {
		limit, ok := rawLimit.(float64)
		if !ok || limit < 0 {
			return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "rate_limit must be a non-negative number"}
		}
		rateLimit = limit
	}

	plaintext, err := generateAPIKey()
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "generating key"}
	}
	record := &auth.KeyRecord{
		ID:           id,
		KeyHash:      auth.HashAPIKey(plaintext),
		AllowedTools: allowedTools,
		RateLimit:    rateLimit,
	}
	if err := g.keys.Add(ctx, record); err != nil {
		return nil, &ToolError{Kind: ToolInvalidArguments, Detail: err.Error()}
	}

	g.logger.Info("api key created", "key_id", id)
	// The plaintext appears exactly once, here. Only the hash is stored.
	return jsonResult(map[string]any{
		"id":  id,
		"key": plaintext,
	})
}

func (g *GuardService) keysRevoke(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if g.keys == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "key store not configured"}
	}
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "id (string) is required"}
	}
	if err := g.keys.Revoke(ctx, id); err != nil {
		return nil, &ToolError{Kind: ToolInvalidArguments, Detail: err.Error()}
	}
	g.logger.Info("api key revoked", "key_id", id)
	return textResult(fmt.Sprintf("key %q revoked", id)), nil
}

func (g *GuardService) auditQuery(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if g.auditStore == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "audit store not configured"}
	}
	var filter audit.Filter
	if eventType, present := args["event_type"]; present {
		s, ok := eventType.(string)
		if !ok {
			return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "event_type must be a string"}
		}
		filter.EventType = s
	}
	if identity, present := args["identity"]; present {
		s, ok := identity.(string)
		if !ok {
			return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "identity must be a string"}
		}
		filter.Identity = s
	}
	if limit, present := args["limit"]; present {
		n, ok := limit.(float64)
		if !ok || n < 1 {
			return nil, &ToolError{Kind: ToolInvalidArguments, Detail: "limit must be a positive number"}
		}
		filter.Limit = int(n)
	}

	entries, err := g.auditStore.Query(ctx, filter)
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "querying audit store"}
	}
	return jsonResult(entries)
}

func (g *GuardService) auditStats(ctx context.Context) (*ToolResult, error) {
	if g.auditStore == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "audit store not configured"}
	}
	stats, err := g.auditStore.QueryStats(ctx)
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "querying audit stats"}
	}
	return jsonResult(stats)
}

func (g *GuardService) configShow() (*ToolResult, error) {
	if g.cfg == nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "config not available"}
	}
	masked := maskConfig(*g.cfg)
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, &ToolError{Kind: ToolInternal, Detail: "rendering config"}
	}
	return textResult(string(data)), nil
}

const maskedValue = "***"

// maskConfig blanks credential material before display. Works on a copy;
// nested slices are re-allocated before mutation.
func maskConfig(cfg config.Config) config.Config {
	if cfg.Auth.JWT.Secret != "" {
		cfg.Auth.JWT.Secret = maskedValue
	}
	if cfg.Auth.OAuth.ClientSecret != "" {
		cfg.Auth.OAuth.ClientSecret = maskedValue
	}
	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]config.APIKeyConfig, len(cfg.Auth.APIKeys))
		copy(keys, cfg.Auth.APIKeys)
		for i := range keys {
			keys[i].KeyHash = maskedValue
		}
		cfg.Auth.APIKeys = keys
	}
	if len(cfg.Audit.Export.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Audit.Export.Headers))
		for k := range cfg.Audit.Export.Headers {
			headers[k] = maskedValue
		}
		cfg.Audit.Export.Headers = headers
	}
	return cfg
}

// generateAPIKey returns a new random plaintext key.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "gp_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Descriptors returns the guard tool catalog visible to the identity.
// Admin tools are listed only for admin identities so filtered catalogs
// do not advertise tools the caller cannot invoke.
func (g *GuardService) Descriptors(identity *auth.Identity) []ToolDescriptor {
	emptySchema := map[string]any{"type": "object", "properties": map[string]any{}}

	descriptors := []ToolDescriptor{
		{Name: "guard/health", Description: "Gateway health, readiness, and uptime", InputSchema: emptySchema},
		{Name: "guard/metrics", Description: "Prometheus metrics in text exposition format", InputSchema: emptySchema},
		{Name: "guard/version", Description: "Gateway version", InputSchema: emptySchema},
	}
	if !identity.IsAdmin() {
		return descriptors
	}

	return append(descriptors,
		ToolDescriptor{
			Name:        "guard/keys/list",
			Description: "List configured API keys (without hashes)",
			InputSchema: emptySchema,
		},
		ToolDescriptor{
			Name:        "guard/keys/create",
			Description: "Create an API key; the plaintext is returned exactly once",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":            map[string]any{"type": "string", "description": "Identity id for the new key"},
					"allowed_tools": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"rate_limit":    map[string]any{"type": "number", "description": "Requests per second override"},
				},
				"required": []string{"id"},
			},
		},
		ToolDescriptor{
			Name:        "guard/keys/revoke",
			Description: "Revoke an API key by identity id",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string"},
				},
				"required": []string{"id"},
			},
		},
		ToolDescriptor{
			Name:        "guard/audit/query",
			Description: "Query recent audit entries",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_type": map[string]any{"type": "string"},
					"identity":   map[string]any{"type": "string"},
					"limit":      map[string]any{"type": "number"},
				},
			},
		},
		ToolDescriptor{
			Name:        "guard/audit/stats",
			Description: "Aggregate audit statistics",
			InputSchema: emptySchema,
		},
		ToolDescriptor{
			Name:        "guard/config/show",
			Description: "Show the active configuration with secrets masked",
			InputSchema: emptySchema,
		},
	)
}
