package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/principal"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// RateLimit applies the api policy per principal. Public paths are exempt;
// carrier webhooks must never be throttled into retries.
func RateLimit(limiter *ratelimit.Limiter, trustProxy bool, now func() time.Time, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.Check(ratelimit.PolicyAPI, principal.Resolve(r, trustProxy).Key, now())
		if !dec.Allowed {
			retry := dec.RetryAfter
			if retry <= 0 {
				retry = 1
			}
			WriteError(w, r, http.StatusTooManyRequests, core.NewRateLimitError("rate limit exceeded", retry))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
