// Package auth contains the domain types and logic for authentication.
package auth

import (
	"context"
	"fmt"
)

// Auth method names stored in identity claims under "auth_method".
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
	MethodOAuth  = "oauth"
	MethodMTLS   = "mtls"
)

// AdminID is the reserved identity id that always carries admin rights.
const AdminID = "admin"

// Identity represents an authenticated client or service. Identities are
// built per request by a Provider and are not persisted by the gateway.
type Identity struct {
	// ID is the stable identifier for this identity.
	ID string

	// Name is an optional display name.
	Name string

	// AllowedTools restricts which tools this identity may call.
	// nil means unrestricted. A set containing "*" also grants every tool.
	AllowedTools []string

	// RateLimit overrides the default requests-per-second limit when > 0.
	RateLimit float64

	// Claims carries provider-specific fields such as scopes, username,
	// and the auth method that produced the identity.
	Claims map[string]any
}

// IsAdmin reports whether this identity may invoke admin guard tools.
// Admin status comes from a true "admin" claim or the reserved id.
func (i *Identity) IsAdmin() bool {
	if i == nil {
		return false
	}
	if i.ID == AdminID {
		return true
	}
	admin, ok := i.Claims["admin"].(bool)
	return ok && admin
}

// Unrestricted reports whether the identity may call any tool.
func (i *Identity) Unrestricted() bool {
	if i == nil || i.AllowedTools == nil {
		return true
	}
	for _, t := range i.AllowedTools {
		if t == "*" {
			return true
		}
	}
	return false
}

// Credential bundles everything a provider may need to authenticate one
// request: the bearer (or fallback header) token, the forwarded
// client-certificate headers, and the immediate peer IP.
type Credential struct {
	// Token is the raw credential from Authorization: Bearer or the
	// configured fallback header. Empty when the client sent none.
	Token string

	// Headers carries the forwarded client-certificate headers, already
	// canonicalized to their documented names.
	Headers map[string]string

	// PeerIP is the immediate peer address, before any X-Forwarded-For
	// resolution.
	PeerIP string
}

// Provider authenticates a credential into an identity.
type Provider interface {
	// Name identifies the provider in logs, metrics, and audit entries.
	Name() string

	// Authenticate validates the credential. Failures are reported as
	// *Error so callers can branch on the kind.
	Authenticate(ctx context.Context, cred Credential) (*Identity, error)
}

// ErrorKind classifies authentication failures.
type ErrorKind int

const (
	// KindMissingCredentials means no usable credential was presented.
	KindMissingCredentials ErrorKind = iota
	// KindInvalidAPIKey means the API key matched no record.
	KindInvalidAPIKey
	// KindInvalidToken means a signed token failed validation.
	KindInvalidToken
	// KindTokenExpired means the credential was valid but has expired.
	KindTokenExpired
	// KindOAuth means OAuth token validation failed.
	KindOAuth
	// KindInternal means the provider itself failed.
	KindInternal
)

// String returns the audit-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindMissingCredentials:
		return "missing credentials"
	case KindInvalidAPIKey:
		return "invalid api key"
	case KindInvalidToken:
		return "invalid token"
	case KindTokenExpired:
		return "token expired"
	case KindOAuth:
		return "oauth error"
	case KindInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// Error is the kind-tagged authentication failure returned by providers.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Detail is an optional human-readable elaboration. It must never
	// contain credential material.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewError builds a kind-tagged authentication error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}
