package sessions

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/adapters"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/store"
)

type fakeSTT struct {
	mu     sync.Mutex
	inputs [][]byte
	text   string
	err    error
	panic  bool
	gate   chan struct{}
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Transcribe(ctx context.Context, audio io.Reader, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	data, _ := io.ReadAll(audio)
	f.mu.Lock()
	f.inputs = append(f.inputs, data)
	text, err, boom, gate := f.text, f.err, f.panic, f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if boom {
		panic("recognizer exploded")
	}
	if err != nil {
		return nil, err
	}
	return &stt.Transcript{Text: text, Confidence: 0.87, Language: opts.Language}, nil
}

func (f *fakeSTT) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeSTT) input(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[i]
}

func (f *fakeSTT) set(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.err = text, err
}

type fakeTTS struct {
	mu  sync.Mutex
	err error
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// 100ms of PCM at the requested rate.
	return &tts.Synthesis{Audio: tone(opts.SampleRate, 100), Format: "pcm", SampleRate: opts.SampleRate}, nil
}

type fakeCarrier struct {
	mu      sync.Mutex
	n       int
	placed  []telephony.PlaceCallRequest
	ended   []string
	played  []string
	err     error
	endErr  error
	playErr error
}

func (f *fakeCarrier) Name() string { return "fake" }

func (f *fakeCarrier) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (*telephony.CallHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	f.placed = append(f.placed, req)
	return &telephony.CallHandle{ProviderCallID: fmt.Sprintf("CA%d", f.n), Status: telephony.StatusQueued}, nil
}

func (f *fakeCarrier) EndCall(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, providerCallID)
	return f.endErr
}

func (f *fakeCarrier) PlayAudio(ctx context.Context, providerCallID, audioURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, audioURL)
	return nil
}

// eventLog records published envelopes in order.
type eventLog struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (l *eventLog) Broadcast(_ string, data []byte) int {
	env, err := events.Decode(data)
	if err != nil {
		return 0
	}
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
	return 1
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.envs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) last(typ string) (events.Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.envs) - 1; i >= 0; i-- {
		if l.envs[i].Type == typ {
			return l.envs[i], true
		}
	}
	return events.Envelope{}, false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	m        *Manager
	stt      *fakeSTT
	tts      *fakeTTS
	carrier  *fakeCarrier
	events   *eventLog
	store    store.Store
	audio    *broker.Memory
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	clock    *clock

	idMu sync.Mutex
	ids  []string
}

type harnessOption func(*Config, *Deps, *harness)

func withBreaker(key string, threshold int) harnessOption {
	return func(_ *Config, _ *Deps, h *harness) {
		settings := breaker.DefaultSettings()
		settings[key] = breaker.Settings{FailureThreshold: threshold, RecoveryTimeout: time.Minute}
		h.breakers.Update(settings)
	}
}

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *Deps, _ *harness) { fn(c) }
}

func withDeps(fn func(*Deps)) harnessOption {
	return func(_ *Config, d *Deps, _ *harness) { fn(d) }
}

func withIDs(ids ...string) harnessOption {
	return func(_ *Config, _ *Deps, h *harness) { h.ids = append(h.ids, ids...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		stt:     &fakeSTT{text: "hello there"},
		tts:     &fakeTTS{},
		carrier: &fakeCarrier{},
		events:  &eventLog{},
		store:   st,
		audio:   broker.NewMemory(),
		clock:   &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.breakers = breaker.NewRegistry(breaker.DefaultSettings(), breaker.Settings{}, h.clock.Now)

	cfg := Config{
		MaxSessions:   16,
		PublicBaseURL: "https://voice.example.com/",
		DefaultFrom:   "+15550001111",
	}
	m := metrics.New()
	h.metrics = m
	d := Deps{
		Store:     st,
		Publisher: events.NewPublisher(events.PublisherConfig{Hub: h.events, Origin: "test", Now: h.clock.Now}),
		Audio:     h.audio,
		Metrics:   m,
		Now:       h.clock.Now,
		NewID:     h.newID,
	}
	for _, o := range opts {
		o(&cfg, &d, h)
	}

	guard := &adapters.Guard{Breakers: h.breakers, Limiter: d.Limiter, Metrics: m, Now: h.clock.Now}
	d.Transcriber = adapters.NewTranscriber(h.stt, guard, time.Second, "")
	d.Synthesizer = adapters.NewSynthesizer(guard, time.Second, "voice-1", h.tts)
	d.Telephony = adapters.NewTelephony(h.carrier, guard, time.Second)

	h.m = NewManager(cfg, d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

// metricsText renders the harness metrics in exposition format.
func (h *harness) metricsText(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func (h *harness) newID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	if len(h.ids) > 0 {
		id := h.ids[0]
		h.ids = h.ids[1:]
		return id
	}
	return uuid.NewString()
}

// tone returns ms milliseconds of non-silent 16-bit mono PCM.
func tone(sampleRate, ms int) []byte {
	n := sampleRate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(4000)
		if i%2 == 1 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// ramp returns n samples of 16-bit mono PCM whose values count up from
// start, so every span of a stream is distinguishable.
func ramp(start, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(1000 + (start+i)%30000)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// pcmOf decodes a WAV upload back into its PCM payload.
func pcmOf(t *testing.T, wav []byte) []byte {
	t.Helper()
	pcm, _, err := live.DecodeWAV(wav)
	require.NoError(t, err)
	return pcm
}
