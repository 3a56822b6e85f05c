package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeOptional,
		APIKeys:              map[string]struct{}{},
		STTProvider:          config.ProviderNone,
		TTSProvider:          config.ProviderNone,
		TelephonyProvider:    config.ProviderNone,
		EventTopicPrefix:     "voice.events.",
		MaxSessions:          1,
		Window:               live.WindowConfig{ThresholdMs: 2000, OverlapMs: 500, MaxBufferMs: 30000},
		MaxAudioChunkBytes:   1,
		MaxSpeakChars:        1,
		AudioTTL:             time.Minute,
		InboxSize:            1,
		Breakers:             breaker.DefaultSettings(),
		RateLimits:           ratelimit.DefaultPolicies(),
		TranscriptionTimeout: time.Second,
		SynthesisTimeout:     time.Second,
		TelephonyTimeout:     time.Second,
		StoreTimeout:         time.Second,
		InactivityTimeout:    time.Minute,
		CleanupInterval:      time.Second,
		HealthInterval:       time.Second,
		MetricsInterval:      time.Second,
		WSPingInterval:       time.Second,
		WSWriteTimeout:       time.Second,
		WSPongWait:           time.Minute,
		WSReadLimit:          1,
		WSSendQueue:          1,
		ReadHeaderTimeout:    time.Second,
		ReadTimeout:          time.Second,
		ShutdownGracePeriod:  time.Second,
		LogLevel:             "info",
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestReadyHandler_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Health: staticHealth{"store": "ok", "broker": "ok"}})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %v", resp)
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired

	code, resp := serveReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d", code)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_DrainingIsUnavailable(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if d, _ := resp["draining"].(bool); !d {
		t.Fatalf("expected draining=true: %v", resp)
	}
	if _, ok := resp["draining_since"].(string); !ok {
		t.Fatalf("expected draining_since: %v", resp)
	}
}

func TestReadyHandler_FailedProbe(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Health: staticHealth{"store": "ok", "broker": "dial tcp: refused"}})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 || issues[0] != "broker: dial tcp: refused" {
		t.Fatalf("issues=%v", resp["issues"])
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
