package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

func newIntrospectionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	provider, err := NewProvider(cfg, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return provider
}

func wantAuthErrorKind(t *testing.T, err error, kind auth.ErrorKind) {
	t.Helper()
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *auth.Error", err)
	}
	if authErr.Kind != kind {
		t.Errorf("Kind = %v, want %v", authErr.Kind, kind)
	}
}

func TestProviderRequiresEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewProvider(Config{Provider: "custom"}, nil); err == nil {
		t.Error("NewProvider() without endpoints should fail")
	}
	// Presets carry their own endpoints.
	if _, err := NewProvider(Config{Provider: "github"}, nil); err != nil {
		t.Errorf("NewProvider(github) error = %v", err)
	}
}

func TestProviderIntrospectionSuccessAndCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newIntrospectionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") != "opaque-123" {
			t.Errorf("introspection form token = %q", r.PostForm.Get("token"))
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":   true,
			"sub":      "user-7",
			"username": "alex",
			"scope":    "mcp:read mcp:write",
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
	})

	provider := newProvider(t, Config{
		IntrospectionURL: srv.URL,
		ClientID:         "client",
		ClientSecret:     "secret",
	})
	cred := auth.Credential{Token: "opaque-123"}

	identity, err := provider.Authenticate(context.Background(), cred)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.ID != "user-7" || identity.Name != "alex" {
		t.Errorf("identity = %q/%q", identity.ID, identity.Name)
	}
	if identity.Claims["auth_method"] != auth.MethodOAuth {
		t.Errorf("auth_method = %v", identity.Claims["auth_method"])
	}

	// Second call serves from the cache.
	if _, err := provider.Authenticate(context.Background(), cred); err != nil {
		t.Fatalf("cached Authenticate() error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("introspection calls = %d, want 1", got)
	}
	if provider.CacheLen() != 1 {
		t.Errorf("CacheLen() = %d, want 1", provider.CacheLen())
	}
}

func TestProviderIntrospectionInactive(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
	})
	provider := newProvider(t, Config{IntrospectionURL: srv.URL})

	_, err := provider.Authenticate(context.Background(), auth.Credential{Token: "revoked"})
	wantAuthErrorKind(t, err, auth.KindOAuth)
}

func TestProviderIntrospectionExpired(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"sub":    "user-7",
			"exp":    time.Now().Add(-time.Minute).Unix(),
		})
	})
	provider := newProvider(t, Config{IntrospectionURL: srv.URL})

	_, err := provider.Authenticate(context.Background(), auth.Credential{Token: "stale"})
	wantAuthErrorKind(t, err, auth.KindTokenExpired)
}

func TestProviderOversizedResponseRejected(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"active":true,"sub":"u","pad":%q}`, strings.Repeat("x", 20*1024))
	})
	provider := newProvider(t, Config{IntrospectionURL: srv.URL})

	_, err := provider.Authenticate(context.Background(), auth.Credential{Token: "big"})
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *auth.Error", err)
	}
	if authErr.Kind != auth.KindOAuth || !strings.Contains(authErr.Detail, "oversized") {
		t.Errorf("error = %v, want oversized-response oauth error", authErr)
	}
}

func TestProviderUserinfo(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"login": "octocat", "id": float64(583231)})
	})

	provider := newProvider(t, Config{UserinfoURL: srv.URL, IdentityClaim: "login"})

	identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: "gh-token"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.ID != "octocat" {
		t.Errorf("ID = %q, want octocat", identity.ID)
	}

	_, err = provider.Authenticate(context.Background(), auth.Credential{Token: "bad-token"})
	wantAuthErrorKind(t, err, auth.KindTokenExpired)
}

func TestProviderFallsBackToUserinfo(t *testing.T) {
	t.Parallel()

	userinfo := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": "fallback-user"})
	})

	// Introspection endpoint that refuses connections.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	provider := newProvider(t, Config{
		IntrospectionURL: deadURL,
		UserinfoURL:      userinfo.URL,
	})

	identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: "tok"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.ID != "fallback-user" {
		t.Errorf("ID = %q, want fallback-user", identity.ID)
	}
}

func TestProviderIdentityFallbackChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		claims map[string]any
		wantID string
	}{
		{
			name:   "numeric id stringifies",
			claims: map[string]any{"active": true, "id": 12345},
			wantID: "12345",
		},
		{
			name:   "string id",
			claims: map[string]any{"active": true, "id": "u-9"},
			wantID: "u-9",
		},
		{
			name:   "sub wins over id",
			claims: map[string]any{"active": true, "sub": "subject", "id": 12345},
			wantID: "subject",
		},
		{
			name:   "configured claim wins over sub",
			claims: map[string]any{"active": true, "login": "octocat", "sub": "subject"},
			wantID: "octocat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.claims)
			})
			cfg := Config{IntrospectionURL: srv.URL}
			if _, ok := tt.claims["login"]; ok {
				cfg.IdentityClaim = "login"
			}
			provider := newProvider(t, cfg)

			identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: "tok"})
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if identity.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", identity.ID, tt.wantID)
			}
		})
	}
}

func TestProviderScopeArrayClaim(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"sub":    "user-7",
			"scope":  []string{"mcp:read", "mcp:write"},
		})
	})
	provider := newProvider(t, Config{IntrospectionURL: srv.URL})

	identity, err := provider.Authenticate(context.Background(), auth.Credential{Token: "tok"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	want := []string{"mcp:read", "mcp:write"}
	if got, _ := identity.Claims["scopes"].([]string); !reflect.DeepEqual(got, want) {
		t.Errorf("scopes = %v, want %v", identity.Claims["scopes"], want)
	}
}

func TestProviderMissingToken(t *testing.T) {
	t.Parallel()

	provider := newProvider(t, Config{Provider: "github"})
	_, err := provider.Authenticate(context.Background(), auth.Credential{})
	wantAuthErrorKind(t, err, auth.KindMissingCredentials)
}

func TestFlowAuthCodeURLCarriesPKCE(t *testing.T) {
	t.Parallel()

	flow, err := NewFlow(Config{
		ClientID:    "client",
		RedirectURI: "https://gw.test/oauth/callback",
		Scopes:      []string{"read:user"},
		AuthURL:     "https://provider.test/authorize",
		TokenURL:    "https://provider.test/token",
	})
	if err != nil {
		t.Fatalf("NewFlow() error = %v", err)
	}

	authURL, verifier := flow.AuthCodeURL("state-1")
	if verifier == "" {
		t.Fatal("empty PKCE verifier")
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge = %q method = %q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
	if q.Get("client_id") != "client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
}

func TestFlowExchange(t *testing.T) {
	t.Parallel()

	srv := newIntrospectionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.PostForm.Get("code") != "authcode" || r.PostForm.Get("code_verifier") == "" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "granted",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	flow, err := NewFlow(Config{
		ClientID: "client",
		AuthURL:  srv.URL + "/authorize",
		TokenURL: srv.URL + "/token",
	})
	if err != nil {
		t.Fatalf("NewFlow() error = %v", err)
	}

	_, verifier := flow.AuthCodeURL("s")
	token, err := flow.Exchange(context.Background(), "authcode", verifier)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if token.AccessToken != "granted" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
}
