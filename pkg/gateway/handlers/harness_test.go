package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/adapters"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voice/pkg/gateway/store"
)

const testAuthToken = "twilio-secret"

type stubSTT struct{}

func (stubSTT) Name() string { return "stub" }

func (stubSTT) Transcribe(ctx context.Context, audio io.Reader, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	_, _ = io.Copy(io.Discard, audio)
	return &stt.Transcript{Text: "hello", Confidence: 0.9, Language: opts.Language}, nil
}

type stubTTS struct{}

func (stubTTS) Name() string { return "stub" }

func (stubTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: pcm(opts.SampleRate / 10), Format: "pcm", SampleRate: opts.SampleRate}, nil
}

type stubCarrier struct {
	mu sync.Mutex
	n  int
}

func (c *stubCarrier) Name() string { return "stub" }

func (c *stubCarrier) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (*telephony.CallHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return &telephony.CallHandle{ProviderCallID: fmt.Sprintf("CA%d", c.n), Status: telephony.StatusQueued}, nil
}

func (c *stubCarrier) EndCall(ctx context.Context, providerCallID string) error { return nil }

func (c *stubCarrier) PlayAudio(ctx context.Context, providerCallID, audioURL string) error {
	return nil
}

type staticHealth map[string]string

func (s staticHealth) Components() map[string]string { return s }

type gateway struct {
	cfg       config.Config
	mgr       *sessions.Manager
	hub       *events.Hub
	lifecycle *lifecycle.Lifecycle
	srv       *httptest.Server
}

type gatewayOption func(*config.Config, *ratelimit.Config)

func newGateway(t *testing.T, opts ...gatewayOption) *gateway {
	t.Helper()
	ctx := context.Background()

	cfg := config.Config{
		AuthMode:                 config.AuthModeDisabled,
		PublicBaseURL:            "https://voice.example.com",
		TelephonyProvider:        config.ProviderTwilio,
		TwilioAuthToken:          testAuthToken,
		TwilioValidateSignatures: true,
		MaxAudioChunkBytes:       64 << 10,
	}
	limCfg := ratelimit.Config{Policies: ratelimit.DefaultPolicies()}
	for _, o := range opts {
		o(&cfg, &limCfg)
	}

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := events.NewHub(events.HubConfig{}, nil, nil)
	limiter := ratelimit.New(limCfg)
	guard := &adapters.Guard{
		Breakers: breaker.NewRegistry(breaker.DefaultSettings(), breaker.Settings{}, nil),
		Limiter:  limiter,
	}
	mgr := sessions.NewManager(sessions.Config{
		MaxSessions:   8,
		PublicBaseURL: cfg.PublicBaseURL,
		DefaultFrom:   "+15550001111",
	}, sessions.Deps{
		Store:       st,
		Transcriber: adapters.NewTranscriber(stubSTT{}, guard, time.Second, ""),
		Synthesizer: adapters.NewSynthesizer(guard, time.Second, "voice-1", stubTTS{}),
		Telephony:   adapters.NewTelephony(&stubCarrier{}, guard, time.Second),
		Limiter:     limiter,
		Publisher:   events.NewPublisher(events.PublisherConfig{Hub: hub, Origin: "test"}),
		Audio:       broker.NewMemory(),
	})
	lc := &lifecycle.Lifecycle{}

	g := &gateway{cfg: cfg, mgr: mgr, hub: hub, lifecycle: lc}

	sh := SessionsHandler{Sessions: mgr}
	th := TelephonyHandler{Config: cfg, Sessions: mgr}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/live", LiveHandler{Config: cfg, Sessions: mgr, Hub: hub, Limiter: limiter, Lifecycle: lc})
	mux.Handle("GET /v1/events", EventsHandler{Config: cfg, Hub: hub, Lifecycle: lc})
	mux.HandleFunc("GET /v1/sessions/{id}", sh.Get)
	mux.HandleFunc("GET /v1/sessions/{id}/transcripts", sh.Transcripts)
	mux.Handle("/v1/audio/{ref}", AudioHandler{Sessions: mgr})
	mux.HandleFunc("POST /v1/telephony/status", th.Status)
	mux.HandleFunc("POST /v1/telephony/inbound", th.Inbound)
	mux.HandleFunc("/v1/telephony/answer", th.Answer)
	mux.Handle("/", NotFoundHandler{})

	g.srv = httptest.NewServer(mw.RequestID(mw.Auth(cfg, mux)))
	t.Cleanup(func() {
		g.srv.Close()
		hub.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return g
}

func (g *gateway) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(g.srv.URL, "http")+path, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (g *gateway) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(g.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// postSigned posts a form webhook signed the way the carrier signs it.
func (g *gateway) postSigned(t *testing.T, path string, form url.Values, valid bool) *http.Response {
	t.Helper()
	sig := sign(testAuthToken, g.cfg.PublicBaseURL+path, form)
	if !valid {
		sig = sign("wrong", g.cfg.PublicBaseURL+path, form)
	}
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// recvType reads frames until one of type typ arrives.
func recvType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := recv(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame", typ)
	return nil
}

func pcm(samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(3000)
		if i%2 == 1 {
			v = -3000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
