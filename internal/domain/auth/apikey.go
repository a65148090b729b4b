package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexedwards/argon2id"
)

// argon2idPrefix marks a stored key hash in PHC format. Such records are
// verified by iteration rather than map lookup because the salt makes the
// hash non-deterministic.
const argon2idPrefix = "$argon2id$"

// KeyRecord is one configured API key. The plaintext is never stored.
type KeyRecord struct {
	// ID is the identity id granted to callers presenting this key.
	ID string

	// KeyHash is either the standard-base64 SHA-256 digest of the
	// plaintext key, or an Argon2id PHC string.
	KeyHash string

	// AllowedTools restricts the identity. Empty means unrestricted.
	AllowedTools []string

	// RateLimit is an optional requests-per-second override.
	RateLimit float64
}

// HashAPIKey returns the standard-base64 SHA-256 digest of a plaintext key.
// The same input always yields the same digest, which is what allows the
// provider to look keys up by hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashAPIKeyArgon2id returns an Argon2id PHC hash of a plaintext key.
// Used for keys stored outside the gateway where a salted hash is wanted;
// verification falls back to iteration.
func HashAPIKeyArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2id.DefaultParams)
}

// APIKeyProvider authenticates bearer tokens against a key store.
type APIKeyProvider struct {
	store  KeyStore
	logger *slog.Logger
}

// NewAPIKeyProvider creates an APIKeyProvider backed by the given store.
func NewAPIKeyProvider(store KeyStore, logger *slog.Logger) *APIKeyProvider {
	return &APIKeyProvider{
		store:  store,
		logger: logger.With("component", "auth.apikey"),
	}
}

// Name implements Provider.
func (p *APIKeyProvider) Name() string { return MethodAPIKey }

// Authenticate hashes the presented token and looks it up in the store.
// SHA-256 records resolve with a single lookup; Argon2id records are
// verified by scanning, which is acceptable for the small key counts the
// gateway is configured with.
func (p *APIKeyProvider) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	if cred.Token == "" {
		return nil, NewError(KindMissingCredentials, "no bearer token")
	}

	record, err := p.store.Get(ctx, HashAPIKey(cred.Token))
	if err == nil {
		return identityFromKey(record), nil
	}

	// Slow path for salted hashes.
	records, err := p.store.List(ctx)
	if err != nil {
		return nil, NewError(KindInternal, "key store unavailable")
	}
	for _, candidate := range records {
		if !strings.HasPrefix(candidate.KeyHash, argon2idPrefix) {
			continue
		}
		match, err := compareArgon2id(cred.Token, candidate.KeyHash)
		if err != nil {
			p.logger.Warn("skipping malformed argon2id key hash", "key_id", candidate.ID, "error", err)
			continue
		}
		if match {
			return identityFromKey(candidate), nil
		}
	}

	return nil, NewError(KindInvalidAPIKey, "")
}

// identityFromKey maps a key record to the identity it grants. An empty
// allowed-tools list in the record means unrestricted, which the identity
// expresses as nil.
func identityFromKey(record *KeyRecord) *Identity {
	var allowed []string
	if len(record.AllowedTools) > 0 {
		allowed = make([]string, len(record.AllowedTools))
		copy(allowed, record.AllowedTools)
	}
	return &Identity{
		ID:           record.ID,
		AllowedTools: allowed,
		RateLimit:    record.RateLimit,
		Claims:       map[string]any{"auth_method": MethodAPIKey},
	}
}

// compareArgon2id wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying library panics on PHC strings with degenerate
// parameters, and a malformed config entry must not take the gateway down.
func compareArgon2id(raw, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, storedHash)
}

var _ Provider = (*APIKeyProvider)(nil)
