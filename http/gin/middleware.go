// Package gin provides Gin-compatible middleware for the keychain origin gate.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates origin checks to the http package helpers.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	httpkeychain "github.com/keychainkit/keychain-go/http"
	"github.com/keychainkit/keychain-go/http/internal/helpers"
)

// ContextKey is the gin.Context key the verification is stored under.
const ContextKey = "keychain_origin"

// NewGinOriginGate creates the origin gate middleware for Gin.
//
// The middleware:
//   - Sets the Content-Security-Policy frame-ancestors directive
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Calls c.AbortWithStatusJSON(403) for unlisted origins when config.Strict is set
//   - Stores the verification via c.Set("keychain_origin", v) and in the request context
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(NewGinOriginGate(&httpkeychain.Config{
//	    AllowedOrigins: origin.ParseAllowedOriginSet("example.com"),
//	    Strict:         true,
//	}))
//	r.GET("/origin", func(c *gin.Context) {
//	    v := c.MustGet("keychain_origin").(httpkeychain.Verification)
//	    c.JSON(200, v)
//	})
func NewGinOriginGate(config *httpkeychain.Config) gin.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	csp := helpers.FrameAncestors(config.AllowedOrigins, config.AllowLocalhost)

	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", csp)

		if c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		v := helpers.CheckOrigin(c.Request, config.AllowedOrigins, config.AllowLocalhost)
		if !v.Verified && config.Strict {
			logger.Warn("origin rejected", "origin", v.Origin, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, helpers.ErrorResponse{
				Error: "origin not allowed: " + v.Origin,
				Code:  "ORIGIN_NOT_ALLOWED",
			})
			return
		}

		c.Set(ContextKey, v)
		ctx := context.WithValue(c.Request.Context(), httpkeychain.VerificationContextKey, v)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
