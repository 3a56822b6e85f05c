package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core"
)

const (
	apiVersionHeader = "X-Voice-Version"
	apiVersionQuery  = "api_version"
	servedAPIVersion = "1"
)

// APIVersion pins /v1 requests to the served protocol version. Browsers
// cannot set headers on a websocket upgrade, so the version may also come
// from the api_version query parameter. Carrier webhooks and audio fetches
// are never checked. Every checked response carries X-Voice-Version.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isV1Path(r.URL.Path) || IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set(apiVersionHeader, servedAPIVersion)
		for _, v := range requestedVersions(r) {
			if v != servedAPIVersion {
				WriteError(w, r, http.StatusBadRequest, &core.Error{
					Type:    core.ErrInvalidRequest,
					Message: "unsupported API version " + v + "; this gateway serves " + servedAPIVersion,
					Param:   apiVersionHeader,
					Code:    "unsupported_version",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

// requestedVersions collects every version the caller asked for from the
// header (comma separated, possibly repeated) and the query string.
func requestedVersions(r *http.Request) []string {
	var out []string
	add := func(raw string) {
		for _, part := range strings.Split(raw, ",") {
			if v := strings.TrimPrefix(strings.TrimSpace(part), "v"); v != "" {
				out = append(out, v)
			}
		}
	}
	for _, raw := range r.Header.Values(apiVersionHeader) {
		add(raw)
	}
	for _, raw := range r.URL.Query()[apiVersionQuery] {
		add(raw)
	}
	return out
}
