// Package origin classifies a caller's origin against an allow-list of
// hostnames. Entries are exact hostnames, "*."-prefixed wildcards that match
// strict subdomains only, or the literal "*" which matches any origin.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// AnyOrigin is the allow-list entry that matches every origin.
const AnyOrigin = "*"

const wildcardPrefix = "*."

// Verify reports whether origin is permitted by allowList.
//
// A list containing AnyOrigin permits everything. Otherwise origin must be an
// absolute URL with a scheme and host; only its hostname is compared, so
// scheme and port never affect the result. An empty list never matches.
func Verify(origin string, allowList []string) bool {
	for _, entry := range allowList {
		if entry == AnyOrigin {
			return true
		}
	}

	host, ok := Hostname(origin)
	if !ok {
		return false
	}

	for _, entry := range allowList {
		if matches(host, entry) {
			return true
		}
	}
	return false
}

func matches(host, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(entry, wildcardPrefix); ok {
		return suffix != "" && host != suffix && strings.HasSuffix(host, "."+suffix)
	}
	return host == entry
}

// Hostname extracts the lower-cased hostname of origin. It returns false if
// origin is empty or not an absolute URL.
func Hostname(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

// IsLocalhost reports whether origin points at the local machine. Callers use
// it to decide on development-only trust bypasses.
func IsLocalhost(origin string) bool {
	host, ok := Hostname(origin)
	if !ok {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AllowedOriginSet is an ordered, immutable allow-list loaded once per session.
type AllowedOriginSet struct {
	entries []string
}

// NewAllowedOriginSet copies entries into a new set, dropping blanks and duplicates.
func NewAllowedOriginSet(entries ...string) AllowedOriginSet {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return AllowedOriginSet{entries: out}
}

// ParseAllowedOriginSet splits a comma separated list, as read from configuration.
func ParseAllowedOriginSet(csv string) AllowedOriginSet {
	return NewAllowedOriginSet(strings.Split(csv, ",")...)
}

// Contains reports whether origin is permitted by the set.
func (s AllowedOriginSet) Contains(origin string) bool {
	return Verify(origin, s.entries)
}

// AllowsAny reports whether the set contains AnyOrigin.
func (s AllowedOriginSet) AllowsAny() bool {
	for _, e := range s.entries {
		if e == AnyOrigin {
			return true
		}
	}
	return false
}

// Entries returns a copy of the set's entries in load order.
func (s AllowedOriginSet) Entries() []string {
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s AllowedOriginSet) Len() int {
	return len(s.entries)
}
