package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

const testSecret = "unit-test-secret"

func newHS256Provider(t *testing.T, cfg JWTConfig) *JWTProvider {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	provider, err := NewJWTProvider(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewJWTProvider() error = %v", err)
	}
	return provider
}

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestJWTProviderConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTProvider(context.Background(), JWTConfig{}, nil); err == nil {
		t.Error("NewJWTProvider() with no key source should fail")
	}
	cfg := JWTConfig{Secret: "s", JWKSURL: "https://example.com/jwks"}
	if _, err := NewJWTProvider(context.Background(), cfg, nil); err == nil {
		t.Error("NewJWTProvider() with both key sources should fail")
	}
}

func TestJWTProviderAuthenticateHS256(t *testing.T) {
	t.Parallel()

	provider := newHS256Provider(t, JWTConfig{})
	raw := signHS256(t, jwt.MapClaims{
		"sub":  "svc-ci",
		"name": "CI Service",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: raw})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.ID != "svc-ci" {
		t.Errorf("ID = %q, want svc-ci", identity.ID)
	}
	if identity.Name != "CI Service" {
		t.Errorf("Name = %q, want CI Service", identity.Name)
	}
	if identity.AllowedTools != nil {
		t.Errorf("AllowedTools = %v, want nil (no scope mapping)", identity.AllowedTools)
	}
	if identity.Claims["auth_method"] != auth.MethodJWT {
		t.Errorf("auth_method claim = %v", identity.Claims["auth_method"])
	}
}

func TestJWTProviderAuthenticateFailures(t *testing.T) {
	t.Parallel()

	provider := newHS256Provider(t, JWTConfig{Issuer: "https://issuer.test"})
	now := time.Now()

	tests := []struct {
		name  string
		token string
		kind  auth.ErrorKind
	}{
		{
			name:  "no token",
			token: "",
			kind:  auth.KindMissingCredentials,
		},
		{
			name:  "garbage",
			token: "not-a-jwt",
			kind:  auth.KindInvalidToken,
		},
		{
			name: "expired",
			token: signHS256(t, jwt.MapClaims{
				"sub": "x", "iss": "https://issuer.test",
				"exp": now.Add(-time.Hour).Unix(),
			}),
			kind: auth.KindTokenExpired,
		},
		{
			name: "wrong issuer",
			token: signHS256(t, jwt.MapClaims{
				"sub": "x", "iss": "https://evil.test",
				"exp": now.Add(time.Hour).Unix(),
			}),
			kind: auth.KindInvalidToken,
		},
		{
			name: "missing exp",
			token: signHS256(t, jwt.MapClaims{
				"sub": "x", "iss": "https://issuer.test",
			}),
			kind: auth.KindInvalidToken,
		},
		{
			name: "missing sub",
			token: signHS256(t, jwt.MapClaims{
				"iss": "https://issuer.test",
				"exp": now.Add(time.Hour).Unix(),
			}),
			kind: auth.KindInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := provider.Authenticate(context.Background(), auth.Credential{Token: tt.token})
			var authErr *auth.Error
			if !errors.As(err, &authErr) {
				t.Fatalf("Authenticate() error = %v, want *auth.Error", err)
			}
			if authErr.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", authErr.Kind, tt.kind)
			}
		})
	}
}

func TestJWTProviderLeewayAdmitsRecentlyExpired(t *testing.T) {
	t.Parallel()

	provider := newHS256Provider(t, JWTConfig{Leeway: time.Minute})
	raw := signHS256(t, jwt.MapClaims{
		"sub": "svc",
		"exp": time.Now().Add(-10 * time.Second).Unix(),
	})

	if _, err := provider.Authenticate(context.Background(), auth.Credential{Token: raw}); err != nil {
		t.Errorf("Authenticate() within leeway error = %v", err)
	}
}

func TestJWTProviderScopeMapping(t *testing.T) {
	t.Parallel()

	provider := newHS256Provider(t, JWTConfig{
		ScopeTools: map[string][]string{
			"mcp:read":  {"read_file", "list_files"},
			"mcp:write": {"write_file", "read_file"},
			"mcp:admin": {"*"},
		},
	})

	tests := []struct {
		name      string
		scope     any
		wantTools []string
		wantNil   bool
	}{
		{
			name:      "single scope",
			scope:     "mcp:read",
			wantTools: []string{"read_file", "list_files"},
		},
		{
			name:      "union deduplicates",
			scope:     "mcp:read mcp:write",
			wantTools: []string{"read_file", "list_files", "write_file"},
		},
		{
			name:    "wildcard scope is unrestricted",
			scope:   "mcp:read mcp:admin",
			wantNil: true,
		},
		{
			name:      "unmapped scopes get no tools",
			scope:     "profile email",
			wantTools: []string{},
		},
		{
			name:      "array-encoded scopes",
			scope:     []any{"mcp:read"},
			wantTools: []string{"read_file", "list_files"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := signHS256(t, jwt.MapClaims{
				"sub":   "svc",
				"exp":   time.Now().Add(time.Hour).Unix(),
				"scope": tt.scope,
			})
			identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: raw})
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if tt.wantNil {
				if identity.AllowedTools != nil {
					t.Errorf("AllowedTools = %v, want nil", identity.AllowedTools)
				}
				return
			}
			if len(identity.AllowedTools) != len(tt.wantTools) {
				t.Fatalf("AllowedTools = %v, want %v", identity.AllowedTools, tt.wantTools)
			}
			for i, tool := range tt.wantTools {
				if identity.AllowedTools[i] != tool {
					t.Errorf("AllowedTools[%d] = %q, want %q", i, identity.AllowedTools[i], tool)
				}
			}
		})
	}
}

func TestJWTProviderJWKS(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	pub, err := jwk.Import(key.Public())
	if err != nil {
		t.Fatalf("jwk.Import() error = %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatalf("setting kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("AddKey() error = %v", err)
	}
	jwksJSON, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksJSON)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := NewJWTProvider(ctx, JWTConfig{JWKSURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewJWTProvider() error = %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "remote-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	identity, err := provider.Authenticate(ctx, auth.Credential{Token: signed})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.ID != "remote-user" {
		t.Errorf("ID = %q, want remote-user", identity.ID)
	}

	// HS256 tokens must not pass the JWKS-mode method allowlist.
	hs := signHS256(t, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := provider.Authenticate(ctx, auth.Credential{Token: hs}); err == nil {
		t.Error("Authenticate() accepted HS256 token in JWKS mode")
	}
}
