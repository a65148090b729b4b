package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/adapter/outbound/oauth"
)

// stateTTL bounds how long an authorization attempt may take before the
// state parameter expires.
const stateTTL = 10 * time.Minute

// pendingAuth is one in-flight authorization attempt keyed by state.
type pendingAuth struct {
	verifier string
	expires  time.Time
}

// OAuthHandlers serves the browser-facing authorization-code flow:
// GET /oauth/authorize redirects to the provider, GET /oauth/callback
// redeems the code. State lives in a TTL-bound in-memory store; a restart
// invalidates in-flight attempts, which simply retry.
type OAuthHandlers struct {
	flow *oauth.Flow

	mu      sync.Mutex
	pending map[string]pendingAuth
}

// NewOAuthHandlers wraps the flow.
func NewOAuthHandlers(flow *oauth.Flow) *OAuthHandlers {
	return &OAuthHandlers{
		flow:    flow,
		pending: make(map[string]pendingAuth),
	}
}

// AuthorizeHandler serves GET /oauth/authorize with a 302 to the provider.
func (h *OAuthHandlers) AuthorizeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := uuid.New().String()
		authURL, verifier := h.flow.AuthCodeURL(state)

		h.mu.Lock()
		h.prune(time.Now())
		h.pending[state] = pendingAuth{verifier: verifier, expires: time.Now().Add(stateTTL)}
		h.mu.Unlock()

		http.Redirect(w, r, authURL, http.StatusFound)
	})
}

// CallbackHandler serves GET /oauth/callback. It validates state, redeems
// the code, and returns token metadata. The token value itself is returned
// to the caller but never logged.
func (h *OAuthHandlers) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		state := query.Get("state")
		code := query.Get("code")
		if state == "" || code == "" {
			writeJSONError(w, http.StatusBadRequest, "missing state or code")
			return
		}

		verifier, ok := h.take(state)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "unknown or expired state")
			return
		}

		token, err := h.flow.Exchange(r.Context(), code, verifier)
		if err != nil {
			LoggerFromContext(r.Context()).Warn("oauth code exchange failed", "error", err)
			writeJSONError(w, http.StatusBadGateway, "token exchange failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token.AccessToken,
			"token_type":   token.TokenType,
			"expires_at":   token.Expiry,
		})
	})
}

// take consumes a pending state, returning its verifier. States are
// single-use.
func (h *OAuthHandlers) take(state string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pending[state]
	if !ok {
		return "", false
	}
	delete(h.pending, state)
	if time.Now().After(p.expires) {
		return "", false
	}
	return p.verifier, true
}

// prune drops expired states. Called under the lock.
func (h *OAuthHandlers) prune(now time.Time) {
	for state, p := range h.pending {
		if now.After(p.expires) {
			delete(h.pending, state)
		}
	}
}
