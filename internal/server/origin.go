// Package server decides which browser origins may open WebSocket sessions.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// wildcardOrigin allows every origin that sends an Origin header.
const wildcardOrigin = "*"

// canonicalOrigin reduces an origin to its lowercased scheme and host.
func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// cleanOrigins canonicalizes configured origins in order, keeping the
// wildcard and dropping blanks, duplicates and entries that do not parse.
func cleanOrigins(origins []string, log *slog.Logger) []string {
	cleaned := lo.FilterMap(origins, func(origin string, _ int) (string, bool) {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
			return "", false
		case wildcardOrigin:
			return origin, true
		}
		canonical, ok := canonicalOrigin(origin)
		if !ok {
			log.Warn("Ignoring invalid origin in configuration", "origin", origin)
		}
		return canonical, ok
	})
	return lo.Uniq(cleaned)
}

// originPolicy is the WebSocket upgrader's origin check.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      *slog.Logger
}

func newOriginPolicy(origins []string, log *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}), log: log}
	for _, origin := range cleanOrigins(origins, log) {
		if origin == wildcardOrigin {
			p.allowAll = true
			continue
		}
		p.allowed[origin] = struct{}{}
	}
	return p
}

// isAllowed rejects requests without an Origin header even under the
// wildcard.
func (p *originPolicy) isAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	canonical, ok := canonicalOrigin(header)
	if !ok {
		return false
	}
	_, exists := p.allowed[canonical]
	return exists
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}
	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
