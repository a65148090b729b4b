// Package oauth implements the opaque-token authentication provider:
// RFC 7662 introspection with a userinfo fallback, fronted by the
// bounded token cache so hot tokens cost one hash instead of one
// network round trip.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 16 * 1024
	defaultCacheTTL         = 5 * time.Minute
	defaultCacheCap         = 500

	githubUserinfoURL = "https://api.github.com/user"
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Config configures the provider. Provider selects a preset ("github",
// "google") that fills the endpoint fields; anything else is treated as
// a custom provider and needs IntrospectionURL or UserinfoURL.
type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	IntrospectionURL string
	UserinfoURL      string
	AuthURL          string
	TokenURL         string

	// IdentityClaim names the response field holding the identity id.
	// Empty selects the preset default ("login" for github, "sub"
	// otherwise).
	IdentityClaim string

	Timeout          time.Duration
	MaxResponseBytes int64
	CacheTTL         time.Duration
}

// applyPreset fills endpoint defaults for the known providers.
func (c *Config) applyPreset() {
	switch c.Provider {
	case "github":
		if c.UserinfoURL == "" {
			c.UserinfoURL = githubUserinfoURL
		}
		if c.IdentityClaim == "" {
			c.IdentityClaim = "login"
		}
		if c.AuthURL == "" {
			c.AuthURL = endpoints.GitHub.AuthURL
		}
		if c.TokenURL == "" {
			c.TokenURL = endpoints.GitHub.TokenURL
		}
	case "google":
		if c.UserinfoURL == "" {
			c.UserinfoURL = googleUserinfoURL
		}
		if c.AuthURL == "" {
			c.AuthURL = endpoints.Google.AuthURL
		}
		if c.TokenURL == "" {
			c.TokenURL = endpoints.Google.TokenURL
		}
	}
	if c.IdentityClaim == "" {
		c.IdentityClaim = "sub"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
}

// Provider validates opaque bearer tokens against the configured
// OAuth provider.
type Provider struct {
	cfg    Config
	client *http.Client
	cache  *auth.TokenCache
	logger *slog.Logger
}

// NewProvider builds a provider from cfg.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	cfg.applyPreset()
	if cfg.IntrospectionURL == "" && cfg.UserinfoURL == "" {
		return nil, errors.New("oauth: introspection_url or userinfo_url must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  auth.NewTokenCache(cfg.CacheTTL, defaultCacheCap),
		logger: logger.With("component", "auth.oauth"),
	}, nil
}

// Name implements auth.Provider.
func (p *Provider) Name() string {
	return auth.MethodOAuth
}

// CacheLen reports the live token-cache size. Feeds the cache gauge.
func (p *Provider) CacheLen() int {
	return p.cache.Len()
}

// Authenticate implements auth.Provider. Successful validations are
// cached under the URL-safe SHA-256 of the raw token.
func (p *Provider) Authenticate(ctx context.Context, cred auth.Credential) (*auth.Identity, error) {
	if cred.Token == "" {
		return nil, auth.NewError(auth.KindMissingCredentials, "no bearer token")
	}

	key := auth.HashToken(cred.Token)
	if cached, ok := p.cache.Get(key); ok {
		if !cached.ExpiresAt.IsZero() && time.Now().After(cached.ExpiresAt) {
			p.cache.Delete(key)
			return nil, auth.NewError(auth.KindTokenExpired, "token expired")
		}
		return identityFromCached(cached), nil
	}

	validated, err := p.validate(ctx, cred.Token)
	if err != nil {
		return nil, err
	}
	p.cache.Put(key, validated)
	return identityFromCached(validated), nil
}

// validate resolves the token against introspection when configured,
// falling back to userinfo on transport failure.
func (p *Provider) validate(ctx context.Context, token string) (*auth.CachedToken, error) {
	if p.cfg.IntrospectionURL != "" {
		validated, err := p.introspect(ctx, token)
		var authErr *auth.Error
		if err != nil && !errors.As(err, &authErr) && p.cfg.UserinfoURL != "" {
			p.logger.Warn("introspection unreachable, falling back to userinfo", "error", err)
			return p.userinfo(ctx, token)
		}
		if err != nil {
			return nil, err
		}
		return validated, nil
	}
	return p.userinfo(ctx, token)
}

// introspect POSTs the RFC 7662 form. Non-*auth.Error returns signal a
// transport problem the caller may fall back from.
func (p *Provider) introspect(ctx context.Context, token string) (*auth.CachedToken, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.cfg.ClientID != "" || p.cfg.ClientSecret != "" {
		req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewError(auth.KindOAuth,
			fmt.Sprintf("introspection returned status %d", resp.StatusCode))
	}

	claims, err := p.decodeCapped(resp.Body)
	if err != nil {
		return nil, err
	}
	active, _ := claims["active"].(bool)
	if !active {
		return nil, auth.NewError(auth.KindOAuth, "token inactive")
	}
	return p.cachedFromClaims(claims)
}

// userinfo validates by fetching the user profile with the token.
func (p *Provider) userinfo(ctx context.Context, token string) (*auth.CachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, auth.NewError(auth.KindOAuth, "userinfo request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, auth.NewError(auth.KindTokenExpired, "userinfo rejected token")
	case resp.StatusCode != http.StatusOK:
		return nil, auth.NewError(auth.KindOAuth,
			fmt.Sprintf("userinfo returned status %d", resp.StatusCode))
	}

	claims, err := p.decodeCapped(resp.Body)
	if err != nil {
		return nil, err
	}
	claims["active"] = true
	return p.cachedFromClaims(claims)
}

// decodeCapped reads at most MaxResponseBytes of body and decodes JSON.
// Oversized responses are rejected rather than truncated.
func (p *Provider) decodeCapped(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, p.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, auth.NewError(auth.KindOAuth, "reading provider response")
	}
	if int64(len(data)) > p.cfg.MaxResponseBytes {
		return nil, auth.NewError(auth.KindOAuth, "oversized response")
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, auth.NewError(auth.KindOAuth, "malformed provider response")
	}
	return claims, nil
}

func (p *Provider) cachedFromClaims(claims map[string]any) (*auth.CachedToken, error) {
	cached := &auth.CachedToken{Active: true, Claims: claims}

	if exp, ok := numberClaim(claims["exp"]); ok {
		cached.ExpiresAt = time.Unix(exp, 0)
		if time.Now().After(cached.ExpiresAt) {
			return nil, auth.NewError(auth.KindTokenExpired, "token expired")
		}
	}

	// Identity fallback chain: the configured claim, then "sub", then a
	// numeric "id" (github stringifies), then a string "id".
	id := stringClaim(claims, p.cfg.IdentityClaim)
	if id == "" {
		if n, ok := numberClaim(claims[p.cfg.IdentityClaim]); ok {
			id = fmt.Sprintf("%d", n)
		}
	}
	if id == "" {
		id = stringClaim(claims, "sub")
	}
	if id == "" {
		if n, ok := numberClaim(claims["id"]); ok {
			id = fmt.Sprintf("%d", n)
		} else {
			id = stringClaim(claims, "id")
		}
	}
	if id == "" {
		return nil, auth.NewError(auth.KindOAuth, "response carries no identity")
	}
	cached.UserID = id

	for _, field := range []string{"username", "name", "login"} {
		if v := stringClaim(claims, field); v != "" {
			cached.Username = v
			break
		}
	}
	cached.Scopes = scopesClaim(claims["scope"])
	return cached, nil
}

// scopesClaim parses a scope claim carried either as a space-separated
// string or as an array of strings.
func scopesClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		var scopes []string
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				scopes = append(scopes, str)
			}
		}
		return scopes
	case []string:
		return v
	default:
		return nil
	}
}

func identityFromCached(cached *auth.CachedToken) *auth.Identity {
	identity := &auth.Identity{
		ID:   cached.UserID,
		Name: cached.Username,
		Claims: map[string]any{
			"auth_method": auth.MethodOAuth,
		},
	}
	for k, v := range cached.Claims {
		identity.Claims[k] = v
	}
	if len(cached.Scopes) > 0 {
		identity.Claims["scopes"] = cached.Scopes
	}
	return identity
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}

func numberClaim(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Compile-time interface verification.
var _ auth.Provider = (*Provider)(nil)

// Flow drives the browser-facing authorization-code flow with PKCE for
// /oauth/authorize and /oauth/callback.
type Flow struct {
	conf *oauth2.Config
}

// NewFlow builds the flow from the provider configuration. Returns an
// error when no authorization endpoint is known.
func NewFlow(cfg Config) (*Flow, error) {
	cfg.applyPreset()
	if cfg.AuthURL == "" {
		return nil, errors.New("oauth: auth_url required for the authorization flow")
	}
	return &Flow{conf: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}}, nil
}

// AuthCodeURL returns the provider redirect URL for state plus the PKCE
// verifier the callback must present.
func (f *Flow) AuthCodeURL(state string) (authURL, verifier string) {
	verifier = oauth2.GenerateVerifier()
	authURL = f.conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return authURL, verifier
}

// Exchange redeems the authorization code. Requires a token endpoint.
func (f *Flow) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if f.conf.Endpoint.TokenURL == "" {
		return nil, errors.New("oauth: token_url not configured")
	}
	return f.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}
