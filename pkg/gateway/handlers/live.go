package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/principal"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// maxInflightPerSocket bounds the slow requests (speak, place_call,
// end_call) one control socket may have outstanding. Reads block once the
// bound is reached.
const maxInflightPerSocket = 4

// LiveHandler serves the /v1/live control channel. Every frame is answered
// with a reply frame or an error frame; errors never close the connection.
// The socket also receives the event envelopes of sessions it started.
// Sessions outlive the socket that created them and are ended explicitly or
// by the inactivity reaper.
type LiveHandler struct {
	Config    config.Config
	Sessions  *sessions.Manager
	Hub       *events.Hub
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
	Now       func() time.Time
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteError(w, r, http.StatusServiceUnavailable, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: core.CodeDraining})
		return
	}
	if !originAllowed(h.Config, r) {
		mw.WriteError(w, r, http.StatusForbidden, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	key := principal.Resolve(r, h.Config.TrustProxyHeaders).Key
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSocket(key, h.now())
		if !dec.Allowed {
			mw.WriteError(w, r, http.StatusTooManyRequests, core.NewRateLimitError("too many live sockets", dec.RetryAfter))
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock, err := h.Hub.Attach(conn, events.KindControl)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sock.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sock.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	c := &controlConn{
		h:      h,
		sock:   sock,
		logger: h.logger().With("socket_id", sock.ID, "principal", key),
	}
	c.logger.Debug("control socket opened")
	c.serve(ctx, conn)
	c.logger.Debug("control socket closed")
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// originAllowed admits requests without an Origin (non-browser clients) and
// browser origins on the CORS allowlist. An empty allowlist admits any
// origin; API keys gate access.
func originAllowed(cfg config.Config, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(cfg.CORSAllowedOrigins) == 0 {
		return true
	}
	return mw.OriginAllowed(cfg.CORSAllowedOrigins, origin)
}

type controlConn struct {
	h      LiveHandler
	sock   *events.Socket
	logger *slog.Logger
}

func (c *controlConn) serve(ctx context.Context, conn *websocket.Conn) {
	var g errgroup.Group
	g.SetLimit(maxInflightPerSocket)
	defer func() { _ = g.Wait() }()

	limits := protocol.Limits{MaxAudioBytes: c.h.Config.MaxAudioChunkBytes}
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			c.reply(protocol.ErrorFrame("", core.NewInvalidRequestError("control frames must be text")))
			continue
		}
		msg, err := protocol.DecodeClientMessage(data, limits)
		if err != nil {
			c.reply(protocol.ErrorFrame(protocol.RequestID(data), err))
			continue
		}

		switch m := msg.(type) {
		case protocol.Speak:
			g.Go(func() error { c.speak(ctx, m); return nil })
		case protocol.PlaceCall:
			g.Go(func() error { c.placeCall(ctx, m); return nil })
		case protocol.EndCall:
			g.Go(func() error { c.endCall(ctx, m); return nil })
		default:
			c.handle(ctx, msg)
		}
	}
}

// handle runs the fast requests inline so audio chunks for a session keep
// their arrival order.
func (c *controlConn) handle(ctx context.Context, msg any) {
	mgr := c.h.Sessions
	switch m := msg.(type) {
	case protocol.StartSession:
		sess, err := mgr.CreateSession(ctx, sessions.CreateParams{
			UserID:   m.UserID,
			Context:  m.Context,
			Quality:  m.Quality,
			Language: m.Language,
		})
		if err != nil {
			c.fail(m.RequestID, protocol.TypeStartSession, err)
			return
		}
		c.sock.Follow(sess.ID)
		c.reply(protocol.SessionCreated{Type: protocol.TypeSessionCreated, RequestID: m.RequestID, Session: sess})
	case protocol.EndSession:
		sess, err := mgr.EndSession(ctx, m.SessionID)
		if err != nil {
			c.fail(m.RequestID, protocol.TypeEndSession, err)
			return
		}
		c.sock.Unfollow(m.SessionID)
		c.reply(protocol.SessionEnded{Type: protocol.TypeSessionEnded, RequestID: m.RequestID, SessionID: m.SessionID, Session: sess})
	case protocol.AudioChunk:
		if err := mgr.IngestAudio(ctx, m.SessionID, m.PCM); err != nil {
			c.fail(m.RequestID, protocol.TypeAudioChunk, err)
			return
		}
		c.reply(protocol.AudioReceived{Type: protocol.TypeAudioReceived, RequestID: m.RequestID, SessionID: m.SessionID, Bytes: len(m.PCM)})
	case protocol.Ping:
		c.reply(protocol.Pong{Type: protocol.TypePong, RequestID: m.RequestID})
	}
}

func (c *controlConn) speak(ctx context.Context, m protocol.Speak) {
	var voice types.VoiceProfile
	if m.Voice != nil {
		voice = *m.Voice
	}
	res, err := c.h.Sessions.Speak(ctx, m.SessionID, m.Text, voice)
	if err != nil {
		c.fail(m.RequestID, protocol.TypeSpeak, err)
		return
	}
	c.reply(protocol.SpeechReady{
		Type:       protocol.TypeSpeechReady,
		RequestID:  m.RequestID,
		SessionID:  m.SessionID,
		AudioRef:   res.AudioRef,
		AudioURL:   res.AudioURL,
		DurationMs: res.DurationMs,
		CallID:     res.CallID,
		Delivered:  res.Delivered,
	})
}

func (c *controlConn) placeCall(ctx context.Context, m protocol.PlaceCall) {
	call, err := c.h.Sessions.PlaceCall(ctx, m.SessionID, m.To, m.From)
	if err != nil {
		c.fail(m.RequestID, protocol.TypePlaceCall, err)
		return
	}
	c.reply(protocol.CallPlaced{Type: protocol.TypeCallPlaced, RequestID: m.RequestID, Call: call})
}

func (c *controlConn) endCall(ctx context.Context, m protocol.EndCall) {
	call, err := c.h.Sessions.EndCall(ctx, m.CallID)
	if err != nil {
		c.fail(m.RequestID, protocol.TypeEndCall, err)
		return
	}
	c.reply(protocol.CallEnded{Type: protocol.TypeCallEnded, RequestID: m.RequestID, CallID: m.CallID, Call: call})
}

func (c *controlConn) fail(requestID, op string, err error) {
	frame := protocol.ErrorFrame(requestID, err)
	if frame.Code == string(core.ErrAPI) {
		c.logger.Error("control request failed", "op", op, "request_id", requestID, "error", err)
	} else {
		c.logger.Debug("control request rejected", "op", op, "request_id", requestID, "code", frame.Code, "error", err)
	}
	c.reply(frame)
}

func (c *controlConn) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode control reply", "error", err)
		return
	}
	c.sock.Send(data)
}
