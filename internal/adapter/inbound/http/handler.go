package http

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/guardpost/guardpost/internal/domain/auth"
	"github.com/guardpost/guardpost/internal/domain/authz"
	"github.com/guardpost/guardpost/internal/service"
	"github.com/guardpost/guardpost/pkg/mcp"
)

// maxBodyBytes caps inbound request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// certHeaders are the forwarded client-certificate headers passed through
// to the cert-header provider.
var certHeaders = []string{
	auth.HeaderCertVerified,
	auth.HeaderCertCN,
	auth.HeaderCertSANDNS,
	auth.HeaderCertSANEmail,
}

// mcpHandler serves POST <mcpPath> and POST <mcpPath>/<route-prefix>...
// It extracts the credential, runs the pipeline, and maps pipeline errors
// onto HTTP statuses.
func mcpHandler(pipeline *service.Pipeline, mcpPath, headerFallback string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "reading request body")
			return
		}

		cred := credentialFromRequest(r, headerFallback)
		path := routePath(r.URL.Path, mcpPath)

		reply, err := pipeline.Handle(r.Context(), body, cred, path)
		if err != nil {
			writePipelineError(w, r, err)
			return
		}

		if reply == nil {
			// Notification: admitted and forwarded, nothing to return.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply.Raw)
	})
}

// credentialFromRequest bundles the bearer token, any fallback header, the
// forwarded certificate headers, and the direct peer address. The peer is
// the TCP remote, never a forwarded value: the trusted-proxy gate must see
// who actually connected.
func credentialFromRequest(r *http.Request, headerFallback string) auth.Credential {
	cred := auth.Credential{
		PeerIP: remoteHost(r.RemoteAddr),
	}

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		cred.Token = strings.TrimPrefix(authHeader, "Bearer ")
	} else if headerFallback != "" {
		cred.Token = r.Header.Get(headerFallback)
	}

	for _, name := range certHeaders {
		if v := r.Header.Get(name); v != "" {
			if cred.Headers == nil {
				cred.Headers = make(map[string]string, len(certHeaders))
			}
			cred.Headers[name] = v
		}
	}
	return cred
}

// routePath strips the MCP mount from the URL path. The remainder selects
// the upstream route; bare mounts map to the default route.
func routePath(urlPath, mcpPath string) string {
	path := strings.TrimPrefix(urlPath, mcpPath)
	if path == "" {
		return "/"
	}
	return path
}

// writePipelineError maps pipeline errors onto HTTP statuses.
func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	logger := LoggerFromContext(r.Context())

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "authentication failed",
			"kind":  authErr.Kind.String(),
		})
		return
	}

	var rlErr *service.RateLimitError
	if errors.As(err, &rlErr) {
		d := rlErr.Decision
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryAfter.Seconds())))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
		return
	}

	var deny *authz.DenyError
	if errors.As(err, &deny) {
		reply := mcp.NewError(json.RawMessage("null"), mcp.CodeInvalidRequest, deny.Reason)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(reply.Raw)
		return
	}

	var invalid *service.InvalidMessageError
	if errors.As(err, &invalid) {
		writeJSONError(w, http.StatusBadRequest, "request body is not a JSON-RPC 2.0 message")
		return
	}

	logger.Error("request failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func ceilSeconds(seconds float64) int {
	s := int(math.Ceil(seconds))
	if s < 1 {
		s = 1
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
