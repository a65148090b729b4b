package auth

import (
	"context"
	"errors"
	"log/slog"
)

// MultiProvider tries a chain of providers in configuration order and
// returns the first identity produced. Order matters: cheap deterministic
// providers (API key) are normally configured before network-bound ones
// (OAuth introspection).
type MultiProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewMultiProvider composes the given providers.
func NewMultiProvider(logger *slog.Logger, providers ...Provider) *MultiProvider {
	return &MultiProvider{
		providers: providers,
		logger:    logger.With("component", "auth.multi"),
	}
}

// Name implements Provider.
func (m *MultiProvider) Name() string { return "multi" }

// Authenticate runs the chain. When every provider fails, the most
// specific failure wins: any kind other than MissingCredentials is
// preferred, so a client that presented a bad OAuth token sees the OAuth
// error rather than a generic missing-credential one.
func (m *MultiProvider) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	var lastErr *Error

	for _, provider := range m.providers {
		identity, err := provider.Authenticate(ctx, cred)
		if err == nil {
			m.logger.Debug("authenticated", "provider", provider.Name(), "identity", identity.ID)
			return identity, nil
		}

		var authErr *Error
		if errors.As(err, &authErr) {
			if lastErr == nil || authErr.Kind != KindMissingCredentials {
				lastErr = authErr
			}
		} else if lastErr == nil {
			lastErr = NewError(KindInternal, err.Error())
		}
		m.logger.Debug("provider rejected credential", "provider", provider.Name(), "error", err)
	}

	if lastErr == nil {
		lastErr = NewError(KindMissingCredentials, "no authentication provider configured")
	}
	return nil, lastErr
}

var _ Provider = (*MultiProvider)(nil)
