package principal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

func TestResolve_PrefersAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req = req.WithContext(auth.WithPrincipal(context.Background(), &auth.Principal{APIKey: "vk_1"}))

	got := Resolve(req, false)
	assert.Equal(t, KindAPIKey, got.Kind)
	assert.Equal(t, ratelimit.PrincipalKeyFromAPIKey("vk_1"), got.Key)

	req = req.WithContext(auth.WithPrincipal(context.Background(), &auth.Principal{APIKey: "vk_1", Key: "k_custom"}))
	assert.Equal(t, "k_custom", Resolve(req, false).Key)
}

func TestResolve_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := Resolve(req, false)
	assert.Equal(t, KindIP, got.Kind)
	assert.Equal(t, "203.0.113.9", got.Raw)
	assert.Equal(t, "ip_203.0.113.9", got.Key)
}

func TestClientIP_ProxyHeaders(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "198.51.100.7"}, "198.51.100.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.8"}, "198.51.100.8"},
		{"xff left-most", map[string]string{"X-Forwarded-For": " 198.51.100.9 , 10.0.0.1"}, "198.51.100.9"},
		{"garbage falls back", map[string]string{"X-Real-IP": "not-an-ip"}, "203.0.113.9"},
		{"ipv6 with port", map[string]string{"X-Real-IP": "[2001:db8::1]:443"}, "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.9:1"
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(req, true))
		})
	}
}

func TestResolve_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	got := Resolve(req, false)
	assert.Equal(t, KindAnon, got.Kind)
	assert.Equal(t, auth.Anonymous, got.Key)
	assert.Equal(t, auth.Anonymous, Resolve(nil, false).Key)
}
