package mw

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/apierror"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = "req_" + strings.ToLower(ulid.Make().String())
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// IsPublicPath reports paths reachable without an API key: probes, the
// scrape endpoint, carrier webhooks (signed separately) and audio fetched by
// the carrier by unguessable reference.
func IsPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/v1/telephony/") || strings.HasPrefix(path, "/v1/audio/")
}

func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			WriteError(w, r, http.StatusInternalServerError, &core.Error{
				Type:    core.ErrAPI,
				Message: "invalid auth_mode",
			})
			return
		}
		if IsPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := auth.ParseCredential(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				WriteError(w, r, http.StatusUnauthorized, &core.Error{
					Type:    core.ErrAuthentication,
					Message: "missing bearer token",
					Param:   "Authorization",
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := cfg.APIKeys[token]; !ok {
			WriteError(w, r, http.StatusUnauthorized, &core.Error{
				Type:    core.ErrAuthentication,
				Message: "invalid api key",
			})
			return
		}
		p := &auth.Principal{APIKey: token, Key: ratelimit.PrincipalKeyFromAPIKey(token)}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// Recover turns a handler panic into a 500 error envelope and logs the
// stack. http.ErrAbortHandler is re-raised so net/http can abort quietly.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			if logger != nil {
				reqID, _ := RequestIDFrom(r.Context())
				logger.Error("handler panic",
					"panic", v,
					"request_id", reqID,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
			}
			WriteError(w, r, http.StatusInternalServerError, core.NewAPIError("internal error"))
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

type flushWriter struct{ *statusWriter }

func (w flushWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

type hijackWriter struct{ *statusWriter }

func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

type flushHijackWriter struct{ *statusWriter }

func (w flushHijackWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

func (w flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

// wrapWriter advertises exactly the optional interfaces the underlying
// writer implements. The live socket upgrade needs Hijacker.
func wrapWriter(sw *statusWriter) http.ResponseWriter {
	_, canFlush := sw.ResponseWriter.(http.Flusher)
	_, canHijack := sw.ResponseWriter.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackWriter{sw}
	case canFlush:
		return flushWriter{sw}
	case canHijack:
		return hijackWriter{sw}
	default:
		return sw
	}
}

// AccessLog records every request in the request metric and logs it, at a
// level chosen by status. Probe and scrape traffic logs at debug. Upgraded
// sockets are logged when they close, with the socket lifetime as duration.
func AccessLog(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapWriter(sw), r)
		elapsed := time.Since(start)
		route := routeLabel(r.URL.Path)
		m.RecordRequest(r.Method, route, sw.status, elapsed)
		if logger == nil {
			return
		}

		level := slog.LevelInfo
		switch {
		case sw.status >= 500:
			level = slog.LevelError
		case sw.status >= 400:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/readyz" || route == "/metrics":
			level = slog.LevelDebug
		}
		msg := "request"
		if sw.hijacked {
			msg = "socket closed"
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Log(r.Context(), level, msg,
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// routeLabel collapses ids out of paths so the request metric keeps a
// bounded label set.
func routeLabel(path string) string {
	switch {
	case path == "/healthz", path == "/readyz", path == "/metrics",
		path == "/v1/live", path == "/v1/events",
		path == "/v1/telephony/status", path == "/v1/telephony/inbound", path == "/v1/telephony/answer":
		return path
	case strings.HasPrefix(path, "/v1/sessions/") && strings.HasSuffix(path, "/transcripts"):
		return "/v1/sessions/{id}/transcripts"
	case strings.HasPrefix(path, "/v1/sessions/"):
		return "/v1/sessions/{id}"
	case strings.HasPrefix(path, "/v1/audio/"):
		return "/v1/audio/{ref}"
	default:
		return "other"
	}
}

// WriteError writes err as a JSON error envelope carrying the request id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, err *core.Error) {
	reqID, _ := RequestIDFrom(r.Context())
	if err != nil && err.RetryAfter != nil && *err.RetryAfter > 0 {
		w.Header().Set("Retry-After", itoa(*err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: err, RequestID: reqID})
}
