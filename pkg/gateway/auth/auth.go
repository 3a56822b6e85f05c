package auth

import (
	"context"
	"net/http"
	"strings"
)

// Anonymous is the principal key used when auth is disabled or optional
// and no credential was presented.
const Anonymous = "anonymous"

type Principal struct {
	APIKey string
	// Key is a stable, non-secret identifier derived from APIKey. It is what
	// quotas and logs see.
	Key string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// KeyFrom returns the principal key on ctx, or Anonymous.
func KeyFrom(ctx context.Context) string {
	if p, ok := PrincipalFrom(ctx); ok && p.Key != "" {
		return p.Key
	}
	return Anonymous
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseCredential accepts a bearer token and, for WebSocket upgrades only,
// an api_key query parameter. Browsers cannot set headers on upgrades.
func ParseCredential(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get("api_key"))
	return token, token != ""
}
