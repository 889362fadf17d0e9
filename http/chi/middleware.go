// Package chi provides Chi-compatible middleware and routes for the keychain
// HTTP surface. This package is a thin adapter that uses the stdlib
// http.Handler interface and delegates origin checks to shared helpers.
package chi

import (
	"context"
	"log/slog"
	"net/http"

	httpkeychain "github.com/keychainkit/keychain-go/http"
	"github.com/keychainkit/keychain-go/http/internal/helpers"
)

// NewChiOriginGate creates the origin gate middleware for Chi.
//
// The middleware:
//   - Sets the Content-Security-Policy frame-ancestors directive
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Returns 403 for origins outside the allow-list when config.Strict is set
//   - Stores the verification in the request context via httpkeychain.VerificationContextKey
//
// Example usage:
//
//	config := &httpkeychain.Config{
//	    AllowedOrigins: origin.ParseAllowedOriginSet("example.com,*.example.com"),
//	    Strict:         true,
//	}
//	r := chi.NewRouter()
//	r.Use(NewChiOriginGate(config))
//	r.Get("/origin", httpkeychain.ServeVerification)
func NewChiOriginGate(config *httpkeychain.Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	csp := helpers.FrameAncestors(config.AllowedOrigins, config.AllowLocalhost)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Security-Policy", csp)

			// OPTIONS request bypass for CORS preflight support
			if r.Method == "OPTIONS" {
				next.ServeHTTP(w, r)
				return
			}

			v := helpers.CheckOrigin(r, config.AllowedOrigins, config.AllowLocalhost)
			if !v.Verified && config.Strict {
				logger.Warn("origin rejected", "origin", v.Origin, "path", r.URL.Path)
				helpers.SendForbidden(w, v)
				return
			}

			ctx := context.WithValue(r.Context(), httpkeychain.VerificationContextKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
