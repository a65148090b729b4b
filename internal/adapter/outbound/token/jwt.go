// Package token implements the signed-token (JWT) authentication
// provider: HS256 against a local secret, or RS256/ES256 against a
// remote JWKS endpoint with background refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/guardpost/guardpost/internal/domain/auth"
)

const (
	defaultIdentityClaim = "sub"
	defaultScopeClaim    = "scope"
	defaultLeeway        = 30 * time.Second

	jwksRegisterTimeout = 5 * time.Second
)

// JWTConfig configures the provider. Exactly one of Secret and JWKSURL
// must be set: Secret selects HS256, JWKSURL selects RS256/ES256.
type JWTConfig struct {
	Secret          string
	JWKSURL         string
	Issuer          string
	Audience        string
	Leeway          time.Duration
	IdentityClaim   string
	ScopeClaim      string
	RefreshInterval time.Duration
	// ScopeTools maps token scopes to allowed tool names. A mapped list
	// containing "*" grants every tool. Empty map leaves identities
	// unrestricted.
	ScopeTools map[string][]string
}

// JWTProvider validates bearer JWTs into identities.
type JWTProvider struct {
	cfg    JWTConfig
	logger *slog.Logger

	// JWKS mode only. The cache refreshes keys in the background until
	// the constructor context is cancelled.
	jwks         *jwk.Cache
	registerOnce sync.Once
	registerErr  error
}

// NewJWTProvider builds a provider from cfg. The context bounds the
// lifetime of the JWKS background refresh; cancel it on shutdown.
func NewJWTProvider(ctx context.Context, cfg JWTConfig, logger *slog.Logger) (*JWTProvider, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, errors.New("jwt: either secret or jwks_url must be set")
	}
	if cfg.Secret != "" && cfg.JWKSURL != "" {
		return nil, errors.New("jwt: secret and jwks_url are mutually exclusive")
	}
	if cfg.IdentityClaim == "" {
		cfg.IdentityClaim = defaultIdentityClaim
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = defaultScopeClaim
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &JWTProvider{cfg: cfg, logger: logger.With("component", "auth.jwt")}

	if cfg.JWKSURL != "" {
		cache, err := jwk.NewCache(ctx, httprc.NewClient())
		if err != nil {
			return nil, fmt.Errorf("creating jwks cache: %w", err)
		}
		p.jwks = cache
	}
	return p, nil
}

// Name implements auth.Provider.
func (p *JWTProvider) Name() string {
	return auth.MethodJWT
}

// Authenticate implements auth.Provider.
func (p *JWTProvider) Authenticate(ctx context.Context, cred auth.Credential) (*auth.Identity, error) {
	if cred.Token == "" {
		return nil, auth.NewError(auth.KindMissingCredentials, "no bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(p.cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}
	if p.jwks != nil {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256", "ES256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	}

	token, err := jwt.Parse(cred.Token, func(t *jwt.Token) (any, error) {
		return p.verificationKey(ctx, t)
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.NewError(auth.KindTokenExpired, "token expired")
		}
		p.logger.Debug("token validation failed", "error", err)
		return nil, auth.NewError(auth.KindInvalidToken, "token validation failed")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, auth.NewError(auth.KindInvalidToken, "unexpected claims type")
	}
	return p.identityFromClaims(claims)
}

// verificationKey resolves the key for one token: the shared secret in
// HS256 mode, or the JWKS key matching the token's kid otherwise.
func (p *JWTProvider) verificationKey(ctx context.Context, token *jwt.Token) (any, error) {
	if p.jwks == nil {
		return []byte(p.cfg.Secret), nil
	}

	if err := p.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}
	keySet, err := p.jwks.Lookup(ctx, p.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("looking up jwks: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %q not found in jwks", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("exporting jwks key: %w", err)
	}
	return raw, nil
}

// ensureRegistered registers the JWKS URL with the cache on first use so
// construction does not block on the network.
func (p *JWTProvider) ensureRegistered(ctx context.Context) error {
	p.registerOnce.Do(func() {
		regCtx, cancel := context.WithTimeout(ctx, jwksRegisterTimeout)
		defer cancel()

		opts := []jwk.RegisterOption{}
		if p.cfg.RefreshInterval > 0 {
			opts = append(opts, jwk.WithConstantInterval(p.cfg.RefreshInterval))
		}
		if err := p.jwks.Register(regCtx, p.cfg.JWKSURL, opts...); err != nil {
			p.registerErr = fmt.Errorf("registering jwks url: %w", err)
		}
	})
	return p.registerErr
}

func (p *JWTProvider) identityFromClaims(claims jwt.MapClaims) (*auth.Identity, error) {
	rawID, ok := claims[p.cfg.IdentityClaim]
	if !ok {
		return nil, auth.NewError(auth.KindInvalidToken,
			fmt.Sprintf("missing identity claim %q", p.cfg.IdentityClaim))
	}
	id, ok := rawID.(string)
	if !ok || id == "" {
		return nil, auth.NewError(auth.KindInvalidToken,
			fmt.Sprintf("identity claim %q is not a string", p.cfg.IdentityClaim))
	}

	scopes := scopesFromClaim(claims[p.cfg.ScopeClaim])

	identity := &auth.Identity{
		ID:           id,
		AllowedTools: p.toolsForScopes(scopes),
		Claims:       map[string]any{"auth_method": auth.MethodJWT},
	}
	for k, v := range claims {
		identity.Claims[k] = v
	}
	if len(scopes) > 0 {
		identity.Claims["scopes"] = scopes
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	return identity, nil
}

// toolsForScopes unions the tool lists mapped from the token's scopes.
// No mapping configured leaves the identity unrestricted; a mapped "*"
// does the same. Scopes with no mapping contribute nothing, so a token
// whose scopes all miss the table gets an empty (deny-all) set.
func (p *JWTProvider) toolsForScopes(scopes []string) []string {
	if len(p.cfg.ScopeTools) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	tools := make([]string, 0, 4)
	for _, scope := range scopes {
		for _, tool := range p.cfg.ScopeTools[scope] {
			if tool == "*" {
				return nil
			}
			if _, dup := seen[tool]; dup {
				continue
			}
			seen[tool] = struct{}{}
			tools = append(tools, tool)
		}
	}
	return tools
}

// scopesFromClaim accepts the two common encodings: a space-separated
// string (RFC 8693 "scope") and a JSON array.
func scopesFromClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		scopes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	default:
		return nil
	}
}

// Compile-time interface verification.
var _ auth.Provider = (*JWTProvider)(nil)
