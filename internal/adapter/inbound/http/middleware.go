package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/ctxkey"
	"github.com/guardpost/guardpost/internal/domain/auth"
)

// RequestIDMiddleware extracts or generates a request ID, stores it and an
// enriched logger in the context, and echoes the ID for correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the request-enriched logger, falling back to
// slog.Default when the middleware did not run.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware resolves the client IP and stores it in the context.
// X-Forwarded-For is honored only when the immediate peer is a trusted
// proxy; otherwise the TCP peer address stands, so an untrusted client
// cannot spoof its way past IP-gated providers.
func RealIPMiddleware(trusted *auth.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trusted)
			ctx := context.WithValue(r.Context(), ctxkey.PeerIPKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PeerIPFromContext returns the resolved client IP, or empty when the
// middleware did not run.
func PeerIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxkey.PeerIPKey{}).(string)
	return ip
}

// resolveClientIP picks the client address. The forwarded chain's first
// entry wins only when the direct peer is trusted.
func resolveClientIP(r *http.Request, trusted *auth.TrustedProxies) string {
	peer := remoteHost(r.RemoteAddr)

	if trusted == nil || !trusted.Trusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

// remoteHost strips the port from a host:port remote address.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
