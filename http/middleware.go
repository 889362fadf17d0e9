// Package http provides the keychain's HTTP surface: an origin gate for the
// pages the keychain serves into an embedding page, the card popup relay and
// an order status handler.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/keychainkit/keychain-go/http/internal/helpers"
	"github.com/keychainkit/keychain-go/origin"
)

// Config holds the configuration for the origin gate.
type Config struct {
	// AllowedOrigins is the allow-list of embedding page hosts.
	AllowedOrigins origin.AllowedOriginSet

	// Strict rejects requests from origins outside the allow-list with 403.
	// Otherwise they are served and marked unverified.
	Strict bool

	// AllowLocalhost trusts localhost origins. Development only.
	AllowLocalhost bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Verification is the outcome of checking a request's origin.
type Verification = helpers.Verification

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// VerificationContextKey is the context key for the request's Verification.
const VerificationContextKey = contextKey("keychain_origin")

// NewOriginGate creates middleware that verifies the embedding page's origin.
//
// The middleware:
//   - Sets a Content-Security-Policy frame-ancestors directive from the allow-list
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Returns 403 for unlisted origins in strict mode
//   - Stores the Verification in the request context via VerificationContextKey
func NewOriginGate(config *Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	csp := helpers.FrameAncestors(config.AllowedOrigins, config.AllowLocalhost)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", csp)

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			v := helpers.CheckOrigin(r, config.AllowedOrigins, config.AllowLocalhost)
			if !v.Verified {
				if config.Strict {
					logger.Warn("origin rejected", "origin", v.Origin, "path", r.URL.Path)
					helpers.SendForbidden(w, v)
					return
				}
				logger.Debug("unverified origin", "origin", v.Origin, "path", r.URL.Path)
			}

			ctx := context.WithValue(r.Context(), VerificationContextKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// VerificationFromContext returns the Verification stored by the origin gate.
func VerificationFromContext(ctx context.Context) (Verification, bool) {
	v, ok := ctx.Value(VerificationContextKey).(Verification)
	return v, ok
}
