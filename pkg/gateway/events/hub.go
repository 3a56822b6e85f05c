package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

// ErrHubClosed is returned by Attach after CloseAll.
var ErrHubClosed = errors.New("events: hub closed")

// Socket kinds. Observers receive every broadcast; control sockets receive
// their direct replies plus the events of sessions they follow.
const (
	KindObserver = "observer"
	KindControl  = "control"
)

// HubConfig bounds per-socket resources.
type HubConfig struct {
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Hub tracks connected sockets. Every socket has one writer goroutine fed by
// a bounded queue; a socket whose queue is full or whose write fails is
// removed without affecting the others.
type Hub struct {
	cfg     HubConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	sockets map[string]*Socket
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(cfg HubConfig, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		sockets: make(map[string]*Socket),
	}
}

// Socket is one websocket registered with the hub.
type Socket struct {
	ID   string
	Kind string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}

	fmu     sync.RWMutex
	follows map[string]struct{}
}

// Attach registers conn and starts its write pump. The caller remains the
// only reader of conn.
func (h *Hub) Attach(conn *websocket.Conn, kind string) (*Socket, error) {
	s := &Socket{
		ID:   uuid.NewString(),
		Kind: kind,
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.SendQueue),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.sockets[s.ID] = s
	n := len(h.sockets)
	h.wg.Add(1)
	h.mu.Unlock()

	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	h.metrics.SetEventSockets(n)
	h.logger.Debug("socket attached", "socket_id", s.ID, "kind", kind, "sockets", n)

	go s.writePump()
	return s, nil
}

// Broadcast queues data on every observer socket and on every control
// socket following sessionID, and returns how many accepted it.
func (h *Hub) Broadcast(sessionID string, data []byte) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		if s.Kind == KindObserver || s.Following(sessionID) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(data) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of attached sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// CloseAll stops admission, closes every socket, and waits for the write
// pumps to exit.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.Close()
	}
	h.wg.Wait()
}

func (h *Hub) remove(s *Socket, reason string) {
	h.mu.Lock()
	_, ok := h.sockets[s.ID]
	delete(h.sockets, s.ID)
	n := len(h.sockets)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.SetEventSockets(n)
	h.logger.Debug("socket removed", "socket_id", s.ID, "kind", s.Kind, "reason", reason, "sockets", n)
}

// Follow subscribes the socket to broadcasts for sessionID.
func (s *Socket) Follow(sessionID string) {
	s.fmu.Lock()
	if s.follows == nil {
		s.follows = make(map[string]struct{})
	}
	s.follows[sessionID] = struct{}{}
	s.fmu.Unlock()
}

// Unfollow drops a Follow subscription.
func (s *Socket) Unfollow(sessionID string) {
	s.fmu.Lock()
	delete(s.follows, sessionID)
	s.fmu.Unlock()
}

// Following reports whether the socket follows sessionID.
func (s *Socket) Following(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	_, ok := s.follows[sessionID]
	return ok
}

// Send queues data without blocking. A full queue closes the socket.
func (s *Socket) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		s.hub.logger.Warn("socket send queue full; dropping socket", "socket_id", s.ID, "kind", s.Kind)
		s.closeWith("queue full")
		return false
	}
}

// Done is closed once the socket has been removed.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Close removes the socket and makes the write pump flush and exit.
func (s *Socket) Close() { s.closeWith("closed") }

func (s *Socket) closeWith(reason string) {
	s.once.Do(func() {
		s.hub.remove(s, reason)
		close(s.done)
	})
}

// Discard reads and drops inbound frames until the peer goes away. Observer
// sockets use it to process control frames.
func (s *Socket) Discard() {
	defer s.Close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Socket) writePump() {
	h := s.hub
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				s.closeWith("write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith("ping failed")
				return
			}
		case <-s.done:
			s.flush()
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (s *Socket) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Socket) write(msg []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}
