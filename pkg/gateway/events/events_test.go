package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/pkg/gateway/broker"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recordingBroadcaster) Broadcast(_ string, data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, data)
	return 1
}

func (r *recordingBroadcaster) sessions() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool)
	for _, m := range r.msgs {
		if env, err := Decode(m); err == nil {
			out[env.SessionID] = true
		}
	}
	return out
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(TranscriptUpdate, "s1", "node-a", ts, map[string]any{"text": "hi"})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TranscriptUpdate, got.Type)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "node-a", got.Origin)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestPublisher_DeliversToHubAndBroker(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()
	msgs, cancel, err := mem.Subscribe(context.Background(), DefaultTopicPrefix+"*")
	require.NoError(t, err)
	defer cancel()

	local := &recordingBroadcaster{}
	p := NewPublisher(PublisherConfig{Broker: mem, Hub: local, Origin: "node-a"})
	require.NoError(t, p.Publish(context.Background(), SessionCreated, "s1", map[string]string{"user_id": "u1"}))

	assert.Equal(t, 1, local.count())
	select {
	case msg := <-msgs:
		assert.Equal(t, "voice.events.session.created", msg.Channel)
		env, err := Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "node-a", env.Origin)
	case <-time.After(time.Second):
		t.Fatal("broker did not receive event")
	}
}

type failingBroker struct{ broker.Broker }

func (failingBroker) Publish(context.Context, string, []byte) error { return assert.AnError }

func TestPublisher_BrokerFailureDoesNotBlockSockets(t *testing.T) {
	local := &recordingBroadcaster{}
	p := NewPublisher(PublisherConfig{Broker: failingBroker{}, Hub: local})
	assert.NoError(t, p.Publish(context.Background(), CallEnded, "s1", nil))
	assert.Equal(t, 1, local.count())
}

func TestRelay_SkipsOwnOrigin(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()
	local := &recordingBroadcaster{}
	relay := NewRelay(mem, local, "", "node-a", nil)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	own := NewPublisher(PublisherConfig{Broker: mem, Origin: "node-a"})
	peer := NewPublisher(PublisherConfig{Broker: mem, Origin: "node-b"})

	// Wait for the relay subscription before publishing.
	require.Eventually(t, func() bool {
		_ = peer.Publish(context.Background(), SessionState, "warmup", nil)
		return local.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, own.Publish(context.Background(), SessionCreated, "s1", nil))
	require.NoError(t, peer.Publish(context.Background(), SessionCreated, "s2", nil))
	require.Eventually(t, func() bool { return local.sessions()["s2"] }, time.Second, 10*time.Millisecond)
	assert.False(t, local.sessions()["s1"], "own events must not be relayed")

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func newHubServer(t *testing.T, hub *Hub, kind string, follow ...string) *httptest.Server {
	return newHubServerNotify(t, hub, nil, kind, follow...)
}

// newHubServerNotify signals attached once a socket is registered and
// following its sessions.
func newHubServerNotify(t *testing.T, hub *Hub, attached chan<- struct{}, kind string, follow ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sock, err := hub.Attach(conn, kind)
		if err != nil {
			conn.Close()
			return
		}
		for _, id := range follow {
			sock.Follow(id)
		}
		if attached != nil {
			attached <- struct{}{}
		}
		sock.Discard()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_BroadcastAndDeadSocketRemoval(t *testing.T) {
	hub := NewHub(HubConfig{}, nil, nil)
	srv := newHubServer(t, hub, KindObserver)

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, hub.Broadcast("s1", []byte(`{"type":"x"}`)))
	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"x"}`, string(msg))
	}

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast("s1", []byte(`{"type":"y"}`))
	_ = a.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := a.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"y"}`, string(msg))
}

func TestHub_ControlSocketsReceiveFollowedSessions(t *testing.T) {
	hub := NewHub(HubConfig{}, nil, nil)
	attached := make(chan struct{}, 2)
	control := dial(t, newHubServerNotify(t, hub, attached, KindControl, "s1"))
	defer control.Close()
	observer := dial(t, newHubServerNotify(t, hub, attached, KindObserver))
	defer observer.Close()
	for i := 0; i < 2; i++ {
		select {
		case <-attached:
		case <-time.After(time.Second):
			t.Fatal("socket not attached")
		}
	}

	assert.Equal(t, 1, hub.Broadcast("s2", []byte(`{"type":"other"}`)))
	assert.Equal(t, 2, hub.Broadcast("s1", []byte(`{"type":"mine"}`)))
	assert.Equal(t, 1, hub.Broadcast("", []byte(`{"type":"global"}`)))

	_ = control.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := control.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mine"}`, string(msg))

	for _, want := range []string{"other", "mine", "global"} {
		_ = observer.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := observer.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"`+want+`"}`, string(msg))
	}
}

func TestSocket_Unfollow(t *testing.T) {
	s := &Socket{}
	assert.False(t, s.Following("s1"))
	s.Follow("s1")
	assert.True(t, s.Following("s1"))
	assert.False(t, s.Following(""))
	s.Unfollow("s1")
	assert.False(t, s.Following("s1"))
}

func TestHub_CloseAllRejectsNewSockets(t *testing.T) {
	hub := NewHub(HubConfig{}, nil, nil)
	srv := newHubServer(t, hub, KindObserver)
	c := dial(t, srv)
	defer c.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.CloseAll()
	assert.Equal(t, 0, hub.Len())

	_, err := hub.Attach(nil, "late")
	assert.ErrorIs(t, err, ErrHubClosed)
}
