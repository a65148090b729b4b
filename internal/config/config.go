// Package config provides the GuardPost configuration schema: YAML file
// plus GUARDPOST_* environment overrides, validated before the gateway
// boots.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Observability configures tracing. Metrics are always exposed.
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// Auth configures the authentication provider chain.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// TrustedProxies lists IPs and CIDRs whose forwarded headers
	// (X-Forwarded-For, client-certificate headers) are honored.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`

	// Authz configures optional CEL policies evaluated after the
	// per-identity tool allowlist.
	Authz AuthzConfig `yaml:"authz" mapstructure:"authz"`

	// RateLimit configures per-identity rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Routes maps request path prefixes to upstream MCP servers.
	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive"`

	// Audit configures the audit pipeline.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Stdio configures the stdio server mode.
	Stdio StdioConfig `yaml:"stdio" mapstructure:"stdio"`
}

// ServerConfig configures the HTTP server. TLS is out of scope; put a
// reverse proxy in front for that.
type ServerConfig struct {
	// Host is the listen address. Defaults to localhost only.
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the listen port.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// MCPPath is the mount point for gateway traffic. Route prefixes
	// apply to the path remainder below it.
	MCPPath string `yaml:"mcp_path" mapstructure:"mcp_path" validate:"omitempty,startswith=/"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// ObservabilityConfig configures the optional trace exporter.
type ObservabilityConfig struct {
	// Tracing enables stdout span export.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// AuthConfig configures the provider chain. Providers run in the listed
// order; the first success wins.
type AuthConfig struct {
	// Providers names the enabled providers: api_key, jwt, oauth,
	// cert_header.
	Providers []string `yaml:"providers" mapstructure:"providers" validate:"omitempty,dive,oneof=api_key jwt oauth cert_header"`

	// HeaderFallback is an optional header consulted for the credential
	// when no Authorization: Bearer is present (e.g. X-Api-Key).
	HeaderFallback string `yaml:"header_fallback" mapstructure:"header_fallback"`

	// APIKeysFile optionally points at an external YAML file with the
	// same shape as APIKeys. File entries are merged after inline ones.
	APIKeysFile string `yaml:"api_keys_file" mapstructure:"api_keys_file"`

	// APIKeys defines the static API keys.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`

	// JWT configures the signed-token provider.
	JWT JWTConfig `yaml:"jwt" mapstructure:"jwt"`

	// OAuth configures the opaque-token provider.
	OAuth OAuthConfig `yaml:"oauth" mapstructure:"oauth"`

	// CertHeader configures the forwarded-client-certificate provider.
	CertHeader CertHeaderConfig `yaml:"cert_header" mapstructure:"cert_header"`
}

// Enabled reports whether name appears in the provider chain.
func (c AuthConfig) Enabled(name string) bool {
	for _, p := range c.Providers {
		if p == name {
			return true
		}
	}
	return false
}

// APIKeyConfig defines one API key record.
type APIKeyConfig struct {
	// ID is the identity this key authenticates as.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// KeyHash is the standard-base64 SHA-256 of the plaintext key, or a
	// $argon2id$ PHC string.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	// AllowedTools restricts the key to these tools. Empty means
	// unrestricted.
	AllowedTools []string `yaml:"allowed_tools" mapstructure:"allowed_tools"`

	// RateLimit overrides the default requests-per-second when > 0.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"omitempty,min=0"`
}

// JWTConfig configures signed-token validation. Secret selects HS256;
// JWKSURL selects RS256/ES256. Exactly one must be set when the
// provider is enabled.
type JWTConfig struct {
	Secret          string              `yaml:"secret" mapstructure:"secret"`
	JWKSURL         string              `yaml:"jwks_url" mapstructure:"jwks_url" validate:"omitempty,url"`
	Issuer          string              `yaml:"issuer" mapstructure:"issuer"`
	Audience        string              `yaml:"audience" mapstructure:"audience"`
	Leeway          time.Duration       `yaml:"leeway" mapstructure:"leeway"`
	IdentityClaim   string              `yaml:"identity_claim" mapstructure:"identity_claim"`
	ScopeClaim      string              `yaml:"scope_claim" mapstructure:"scope_claim"`
	RefreshInterval time.Duration       `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	ScopeTools      map[string][]string `yaml:"scope_tools" mapstructure:"scope_tools"`
}

// OAuthConfig configures opaque-token validation and the browser
// authorization flow.
type OAuthConfig struct {
	Provider         string        `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=github google custom"`
	ClientID         string        `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret     string        `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI      string        `yaml:"redirect_uri" mapstructure:"redirect_uri" validate:"omitempty,url"`
	Scopes           []string      `yaml:"scopes" mapstructure:"scopes"`
	IntrospectionURL string        `yaml:"introspection_url" mapstructure:"introspection_url" validate:"omitempty,url"`
	UserinfoURL      string        `yaml:"userinfo_url" mapstructure:"userinfo_url" validate:"omitempty,url"`
	AuthURL          string        `yaml:"auth_url" mapstructure:"auth_url" validate:"omitempty,url"`
	TokenURL         string        `yaml:"token_url" mapstructure:"token_url" validate:"omitempty,url"`
	IdentityClaim    string        `yaml:"identity_claim" mapstructure:"identity_claim"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" mapstructure:"max_response_bytes" validate:"omitempty,min=1024"`
	CacheTTL         time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// CertHeaderConfig configures identity extraction from forwarded
// client-certificate headers.
type CertHeaderConfig struct {
	// IdentitySource selects the certificate field used as identity id:
	// cn, dns, or email.
	IdentitySource string `yaml:"identity_source" mapstructure:"identity_source" validate:"omitempty,oneof=cn dns email"`
}

// AuthzConfig configures post-allowlist CEL policies.
type AuthzConfig struct {
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`
}

// PolicyConfig is one CEL policy. Expressions see the variables
// identity (map), tool (string), method (string), and claims (map).
type PolicyConfig struct {
	Name       string `yaml:"name" mapstructure:"name" validate:"required"`
	Expression string `yaml:"expression" mapstructure:"expression" validate:"required"`
	Action     string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// RateLimitConfig configures per-identity rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"omitempty,min=0"`
	Burst             int     `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=0"`
}

// RouteConfig maps a path prefix to an upstream MCP server.
type RouteConfig struct {
	Name        string   `yaml:"name" mapstructure:"name" validate:"required"`
	PathPrefix  string   `yaml:"path_prefix" mapstructure:"path_prefix" validate:"required,startswith=/"`
	Transport   string   `yaml:"transport" mapstructure:"transport" validate:"required,oneof=stdio http sse"`
	Command     string   `yaml:"command" mapstructure:"command"`
	Args        []string `yaml:"args" mapstructure:"args"`
	URL         string   `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	StripPrefix bool     `yaml:"strip_prefix" mapstructure:"strip_prefix"`
}

// AuditConfig configures the audit pipeline.
type AuditConfig struct {
	Enabled    bool              `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int               `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
	File       AuditFileConfig   `yaml:"file" mapstructure:"file"`
	Stdout     bool              `yaml:"stdout" mapstructure:"stdout"`
	Export     AuditExportConfig `yaml:"export" mapstructure:"export"`
	Store      AuditStoreConfig  `yaml:"store" mapstructure:"store"`
	Redact     []RedactConfig    `yaml:"redact" mapstructure:"redact" validate:"omitempty,dive"`
}

// AuditFileConfig configures the rotating audit log file. Empty Path
// disables the file sink.
type AuditFileConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"omitempty,min=1"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days" validate:"omitempty,min=1"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"omitempty,min=0"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// AuditExportConfig configures the batching HTTP exporter. Empty URL
// disables it.
type AuditExportConfig struct {
	URL           string            `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Headers       map[string]string `yaml:"headers" mapstructure:"headers"`
	BatchSize     int               `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	BatchInterval time.Duration     `yaml:"batch_interval" mapstructure:"batch_interval"`
}

// AuditStoreConfig configures the queryable audit store backing the
// guard/audit/* tools. Empty Path selects the in-memory ring.
type AuditStoreConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	RingSize int    `yaml:"ring_size" mapstructure:"ring_size" validate:"omitempty,min=1"`
}

// RedactConfig is one regex redaction rule applied to audit lines.
type RedactConfig struct {
	Pattern     string `yaml:"pattern" mapstructure:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" mapstructure:"replacement"`
}

// StdioConfig configures the stdio server mode.
type StdioConfig struct {
	// Identity is the identity id assumed by the local caller.
	Identity string `yaml:"identity" mapstructure:"identity"`
}

// SetDefaults fills unset optional fields. Runs after unmarshal and
// before validation.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MCPPath == "" {
		c.Server.MCPPath = "/mcp"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Auth.Providers) == 0 {
		c.Auth.Providers = []string{"api_key"}
	}
	if c.Auth.JWT.Leeway == 0 {
		c.Auth.JWT.Leeway = 30 * time.Second
	}
	if c.Auth.JWT.IdentityClaim == "" {
		c.Auth.JWT.IdentityClaim = "sub"
	}
	if c.Auth.JWT.ScopeClaim == "" {
		c.Auth.JWT.ScopeClaim = "scope"
	}
	if c.Auth.JWT.RefreshInterval == 0 {
		c.Auth.JWT.RefreshInterval = 15 * time.Minute
	}
	if c.Auth.OAuth.Timeout == 0 {
		c.Auth.OAuth.Timeout = 10 * time.Second
	}
	if c.Auth.OAuth.MaxResponseBytes == 0 {
		c.Auth.OAuth.MaxResponseBytes = 16 * 1024
	}
	if c.Auth.OAuth.CacheTTL == 0 {
		c.Auth.OAuth.CacheTTL = 5 * time.Minute
	}
	if c.Auth.CertHeader.IdentitySource == "" {
		c.Auth.CertHeader.IdentitySource = "cn"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1024
	}
	if c.Audit.File.MaxSizeMB == 0 {
		c.Audit.File.MaxSizeMB = 100
	}
	if c.Audit.File.MaxAgeDays == 0 {
		c.Audit.File.MaxAgeDays = 30
	}
	if c.Audit.File.MaxBackups == 0 {
		c.Audit.File.MaxBackups = 10
	}
	if c.Audit.Export.BatchSize == 0 {
		c.Audit.Export.BatchSize = 64
	}
	if c.Audit.Export.BatchInterval == 0 {
		c.Audit.Export.BatchInterval = 5 * time.Second
	}
	if c.Audit.Store.RingSize == 0 {
		c.Audit.Store.RingSize = 1000
	}
	if c.Stdio.Identity == "" {
		c.Stdio.Identity = "admin"
	}
}
