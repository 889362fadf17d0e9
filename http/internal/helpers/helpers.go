// Package helpers provides shared helper functions for the origin gate middleware implementations.
// These helpers are used by stdlib, Gin, PocketBase, and Chi middleware to ensure consistent behavior.
package helpers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/keychainkit/keychain-go/origin"
)

// Verification is the outcome of checking a request's origin.
type Verification struct {
	// Origin is the origin the request claimed, empty if it sent none.
	Origin string `json:"origin,omitempty"`

	// Host is the lower-cased hostname of Origin.
	Host string `json:"host,omitempty"`

	// Verified reports whether Origin is on the allow-list.
	Verified bool `json:"verified"`
}

// RequestOrigin returns the origin of the page that issued r. The Origin
// header wins; framed page loads only carry a Referer, which is reduced to
// its scheme and host.
func RequestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" && o != "null" {
		return o
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// CheckOrigin verifies the origin of r against allowed. Localhost origins
// pass when allowLocalhost is set.
func CheckOrigin(r *http.Request, allowed origin.AllowedOriginSet, allowLocalhost bool) Verification {
	o := RequestOrigin(r)
	host, _ := origin.Hostname(o)
	verified := allowed.Contains(o) || (allowLocalhost && origin.IsLocalhost(o))
	return Verification{Origin: o, Host: host, Verified: verified}
}

// FrameAncestors renders the allow-list as a Content-Security-Policy
// frame-ancestors directive so browsers refuse to frame the keychain on
// pages outside it.
func FrameAncestors(allowed origin.AllowedOriginSet, allowLocalhost bool) string {
	if allowed.AllowsAny() {
		return "frame-ancestors *"
	}
	sources := []string{"'self'"}
	for _, entry := range allowed.Entries() {
		entry = strings.ToLower(entry)
		if strings.ContainsAny(entry, " ;,'") {
			continue
		}
		sources = append(sources, "https://"+entry)
	}
	if allowLocalhost {
		sources = append(sources, "http://localhost:*", "http://127.0.0.1:*")
	}
	return "frame-ancestors " + strings.Join(sources, " ")
}

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SendForbidden sends a 403 response for an origin outside the allow-list.
func SendForbidden(w http.ResponseWriter, v Verification) {
	SendError(w, http.StatusForbidden, "ORIGIN_NOT_ALLOWED", "origin not allowed: "+v.Origin)
}

// SendError writes a JSON error response.
func SendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore encoding errors - headers are already sent
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
