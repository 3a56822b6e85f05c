package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
)

// EventsHandler serves /v1/events: a broadcast-only observer socket that
// receives every session, call and transcript event.
type EventsHandler struct {
	Config    config.Config
	Hub       *events.Hub
	Lifecycle *lifecycle.Lifecycle
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock, err := h.Hub.Attach(conn, events.KindObserver)
	if err != nil {
		_ = conn.Close()
		return
	}
	sock.Discard()
}
