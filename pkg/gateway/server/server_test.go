package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type stubSTT struct{}

func (stubSTT) Name() string { return "stub" }

func (stubSTT) Transcribe(ctx context.Context, audio io.Reader, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	return &stt.Transcript{Text: "hi"}, nil
}

type stubTTS struct{}

func (stubTTS) Name() string { return "stub" }

func (stubTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: make([]byte, opts.SampleRate/5), Format: "pcm", SampleRate: opts.SampleRate}, nil
}

func testConfig() config.Config {
	return config.Config{
		Addr:                   "127.0.0.1:0",
		AuthMode:               config.AuthModeRequired,
		APIKeys:                map[string]struct{}{"vk_test": {}},
		CORSAllowedOrigins:     map[string]struct{}{},
		PublicBaseURL:          "https://voice.example.com",
		StoreDSN:               ":memory:",
		EventTopicPrefix:       "voice.events.",
		InstanceID:             "test-1",
		STTProvider:            config.ProviderNone,
		TTSProvider:            config.ProviderNone,
		TelephonyProvider:      config.ProviderNone,
		MaxSessions:            4,
		DefaultLanguage:        "en",
		Window:                 live.DefaultWindowConfig(),
		MaxAudioChunkBytes:     64 << 10,
		MaxSpeakChars:          500,
		AudioTTL:               time.Minute,
		InboxSize:              8,
		Breakers:               breaker.DefaultSettings(),
		RateLimits:             ratelimit.DefaultPolicies(),
		MaxSocketsPerPrincipal: 4,
		TranscriptionTimeout:   time.Second,
		SynthesisTimeout:       time.Second,
		TelephonyTimeout:       time.Second,
		StoreTimeout:           time.Second,
		InactivityTimeout:      time.Minute,
		CleanupInterval:        time.Hour,
		HealthInterval:         time.Hour,
		MetricsInterval:        time.Hour,
		WSPingInterval:         10 * time.Second,
		WSWriteTimeout:         time.Second,
		WSPongWait:             time.Minute,
		WSReadLimit:            1 << 20,
		WSSendQueue:            16,
		ReadHeaderTimeout:      time.Second,
		ReadTimeout:            time.Second,
		ShutdownGracePeriod:    time.Second,
		LogLevel:               "info",
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(context.Background(), cfg, logger, Options{
		STT: stubSTT{},
		TTS: []tts.Provider{stubTTS{}},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func serve(t *testing.T, s *Server, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t, testConfig())

	rr := serve(t, s, http.MethodGet, "/does-not-exist", "vk_test")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestServer_PublicEndpointsSkipAuth(t *testing.T) {
	s := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", "").Code)

	ready := serve(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, ready.Code, ready.Body.String())

	m := serve(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "sessions_active")
}

func TestServer_APIRoutesRequireKey(t *testing.T) {
	s := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusUnauthorized, serve(t, s, http.MethodGet, "/v1/sessions/s1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, s, http.MethodGet, "/v1/sessions/s1", "nope").Code)

	rr := serve(t, s, http.MethodGet, "/v1/sessions/s1", "vk_test")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"type":"session_not_found"`)
}

func TestServer_RateLimitsPerKey(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits = map[string]ratelimit.Policy{ratelimit.PolicyAPI: {Limit: 2, Window: time.Hour}}
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/sessions/s1", "vk_test").Code)
	}
	rr := serve(t, s, http.MethodGet, "/v1/sessions/s1", "vk_test")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestServer_LiveRoundTrip(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.Start(context.Background())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live?api_key=vk_test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	exchange := func(v any) map[string]any {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
		// Event envelopes for the socket's own session interleave with
		// replies; their types are dotted.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, reply, err := conn.ReadMessage()
			require.NoError(t, err)
			var out map[string]any
			require.NoError(t, json.Unmarshal(reply, &out))
			if typ, _ := out["type"].(string); !strings.Contains(typ, ".") {
				return out
			}
		}
	}

	created := exchange(map[string]any{"type": "start_session", "user_id": "u1"})
	require.Equal(t, "session_created", created["type"])
	id := created["session"].(map[string]any)["id"].(string)
	assert.Equal(t, 1, s.Sessions().Count())

	ready := exchange(map[string]any{"type": "speak", "session_id": id, "text": "hello"})
	require.Equal(t, "speech_ready", ready["type"])

	resp, err := http.Get(srv.URL + "/v1/audio/" + ready["audio_ref"].(string))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "audio is fetched by the carrier without a key")

	rr := serve(t, s, http.MethodGet, "/v1/sessions/"+id, "vk_test")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_ShutdownDrainsAndIsIdempotent(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.Start(context.Background())

	sess, err := s.Sessions().CreateSession(context.Background(), sessions.CreateParams{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0, s.Sessions().Count())
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/readyz", "").Code)
}

func TestBuildProviders_FollowsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.STTProvider = config.ProviderCartesia
	cfg.TTSProvider = config.ProviderElevenLabs
	cfg.TelephonyProvider = config.ProviderTwilio
	cfg.CartesiaAPIKey = "ck"
	cfg.ElevenLabsAPIKey = "ek"
	cfg.TwilioAccountSID = "AC1"
	cfg.TwilioAuthToken = "tok"

	sttP, ttsP, telP := buildProviders(cfg, Options{})
	require.NotNil(t, sttP)
	assert.Equal(t, "cartesia", sttP.Name())
	require.Len(t, ttsP, 2)
	assert.Equal(t, "elevenlabs", ttsP[0].Name(), "the selected provider is the default")
	assert.Equal(t, "cartesia", ttsP[1].Name())
	require.NotNil(t, telP)
	assert.Equal(t, "twilio", telP.Name())

	sttP, ttsP, telP = buildProviders(testConfig(), Options{})
	assert.Nil(t, sttP)
	assert.Empty(t, ttsP)
	assert.Nil(t, telP)
}
