// Package principal decides who a request is charged to for quotas and
// socket caps: the authenticated API key when there is one, otherwise the
// client IP.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the API key or IP. It must not be logged.
	Raw string
	// Key is the non-secret bucket identifier used by the limiter.
	Key string
}

// Resolve returns the principal for r. trustProxy enables the forwarding
// headers set by a load balancer in front of the gateway.
func Resolve(r *http.Request, trustProxy bool) Resolved {
	if r == nil {
		return Resolved{Kind: KindAnon, Key: auth.Anonymous}
	}

	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil {
		switch {
		case p.Key != "":
			return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: p.Key}
		case strings.TrimSpace(p.APIKey) != "":
			return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
		}
	}

	ip := ClientIP(r, trustProxy)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: auth.Anonymous}
	}
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

// ClientIP returns the normalized client address, or "" when none parses.
func ClientIP(r *http.Request, trustProxy bool) string {
	if r == nil {
		return ""
	}

	if trustProxy {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parseIP(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// Left-most entry is the original client.
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}

	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
