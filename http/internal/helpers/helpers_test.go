package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keychainkit/keychain-go/origin"
)

// TestRequestOrigin tests origin extraction from headers
func TestRequestOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		referer string
		want    string
	}{
		{"origin header", "https://app.example.com", "https://other.com/page", "https://app.example.com"},
		{"referer fallback", "", "https://app.example.com:8443/shop?item=1", "https://app.example.com:8443"},
		{"null origin uses referer", "null", "https://app.example.com/", "https://app.example.com"},
		{"relative referer", "", "/shop", ""},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			if got := RequestOrigin(req); got != tt.want {
				t.Errorf("RequestOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestCheckOrigin tests allow-list verification of requests
func TestCheckOrigin(t *testing.T) {
	allowed := origin.NewAllowedOriginSet("example.com", "*.example.com", "sub.test.com")

	tests := []struct {
		name           string
		origin         string
		allowLocalhost bool
		want           bool
	}{
		{"exact", "https://sub.test.com", false, true},
		{"wildcard subdomain", "https://shop.example.com", false, true},
		{"other domain", "https://evil.com", false, false},
		{"localhost denied", "http://localhost:3000", false, false},
		{"localhost allowed", "http://localhost:3000", true, true},
		{"missing", "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			v := CheckOrigin(req, allowed, tt.allowLocalhost)
			if v.Verified != tt.want {
				t.Errorf("Verified = %v, want %v", v.Verified, tt.want)
			}
			if v.Origin != tt.origin {
				t.Errorf("Origin = %q, want %q", v.Origin, tt.origin)
			}
		})
	}
}

// TestFrameAncestors tests CSP rendering of the allow-list
func TestFrameAncestors(t *testing.T) {
	got := FrameAncestors(origin.NewAllowedOriginSet("example.com", "*.example.com"), false)
	want := "frame-ancestors 'self' https://example.com https://*.example.com"
	if got != want {
		t.Errorf("FrameAncestors() = %q, want %q", got, want)
	}

	if got := FrameAncestors(origin.NewAllowedOriginSet("*"), false); got != "frame-ancestors *" {
		t.Errorf("FrameAncestors(*) = %q", got)
	}

	got = FrameAncestors(origin.NewAllowedOriginSet("bad;entry", "ok.com"), true)
	if strings.Contains(got, "bad") || !strings.Contains(got, "https://ok.com") || !strings.Contains(got, "http://localhost:*") {
		t.Errorf("FrameAncestors() = %q", got)
	}
}

// TestSendForbidden tests the 403 response body
func TestSendForbidden(t *testing.T) {
	rec := httptest.NewRecorder()
	SendForbidden(rec, Verification{Origin: "https://evil.com"})

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Code != "ORIGIN_NOT_ALLOWED" || !strings.Contains(body.Error, "evil.com") {
		t.Errorf("body = %+v", body)
	}
}
