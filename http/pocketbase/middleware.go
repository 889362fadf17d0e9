// Package pocketbase provides PocketBase-compatible middleware for the keychain origin gate.
// This package is a thin adapter that translates core.RequestEvent to stdlib http patterns
// and delegates origin checks to the http package helpers.
package pocketbase

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	httpkeychain "github.com/keychainkit/keychain-go/http"
	"github.com/keychainkit/keychain-go/http/internal/helpers"
)

// StoreKey is the RequestEvent store key the verification is kept under.
const StoreKey = "keychain_origin"

// NewPocketBaseOriginGate creates the origin gate middleware for PocketBase.
//
// Example usage:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    gate := NewPocketBaseOriginGate(config)
//	    se.Router.GET("/api/keychain/origin", func(e *core.RequestEvent) error {
//	        return e.JSON(http.StatusOK, e.Get("keychain_origin"))
//	    }).BindFunc(gate)
//	    return se.Next()
//	})
func NewPocketBaseOriginGate(config *httpkeychain.Config) func(*core.RequestEvent) error {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	csp := helpers.FrameAncestors(config.AllowedOrigins, config.AllowLocalhost)

	return func(e *core.RequestEvent) error {
		e.Response.Header().Set("Content-Security-Policy", csp)

		// Bypass origin checks for OPTIONS requests (CORS preflight)
		if e.Request.Method == "OPTIONS" {
			return e.Next()
		}

		v := helpers.CheckOrigin(e.Request, config.AllowedOrigins, config.AllowLocalhost)
		if !v.Verified && config.Strict {
			logger.Warn("origin rejected", "origin", v.Origin, "path", e.Request.URL.Path)
			return e.JSON(http.StatusForbidden, helpers.ErrorResponse{
				Error: "origin not allowed: " + v.Origin,
				Code:  "ORIGIN_NOT_ALLOWED",
			})
		}

		e.Set(StoreKey, v)
		ctx := context.WithValue(e.Request.Context(), httpkeychain.VerificationContextKey, v)
		e.Request = e.Request.WithContext(ctx)
		return e.Next()
	}
}
