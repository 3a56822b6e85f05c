// Package sessions owns live voice sessions: admission, the conversational
// state machine, per-session audio workers, speech output and the telephony
// legs attached to a session.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/adapters"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voice/pkg/gateway/store"
)

// Config tunes the manager. Zero values take defaults.
type Config struct {
	MaxSessions     int
	Window          live.WindowConfig
	InboxSize       int
	MaxChunkBytes   int
	MaxSpeakChars   int
	AudioTTL        time.Duration
	StoreTimeout    time.Duration
	PublicBaseURL   string
	DefaultLanguage string
	DefaultFrom     string
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 32
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = 256 << 10
	}
	if c.MaxSpeakChars <= 0 {
		c.MaxSpeakChars = 5000
	}
	if c.AudioTTL <= 0 {
		c.AudioTTL = 10 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return c
}

// Deps are the collaborators injected at startup. Store, Audio, Publisher,
// Limiter and Metrics may be nil.
type Deps struct {
	Store       store.Store
	Transcriber *adapters.Transcriber
	Synthesizer *adapters.Synthesizer
	Telephony   *adapters.Telephony
	Limiter     *ratelimit.Limiter
	Publisher   *events.Publisher
	Audio       broker.AudioCache
	Metrics     *metrics.Metrics
	Lifecycle   *lifecycle.Lifecycle
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Manager is the session orchestrator.
type Manager struct {
	cfg      Config
	registry *Registry
	calls    *callTable

	store       store.Store
	transcriber *adapters.Transcriber
	synth       *adapters.Synthesizer
	phone       *adapters.Telephony
	limiter     *ratelimit.Limiter
	events      *events.Publisher
	audio       broker.AudioCache
	metrics     *metrics.Metrics
	lifecycle   *lifecycle.Lifecycle
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewManager(cfg Config, d Deps) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		registry:    NewRegistry(cfg.MaxSessions),
		calls:       newCallTable(),
		store:       d.Store,
		transcriber: d.Transcriber,
		synth:       d.Synthesizer,
		phone:       d.Telephony,
		limiter:     d.Limiter,
		events:      d.Publisher,
		audio:       d.Audio,
		metrics:     d.Metrics,
		lifecycle:   d.Lifecycle,
		logger:      d.Logger,
		now:         d.Now,
		newID:       d.NewID,
	}
	if m.transcriber == nil {
		m.transcriber = adapters.NewTranscriber(nil, nil, 0, "")
	}
	if m.synth == nil {
		m.synth = adapters.NewSynthesizer(nil, 0, "")
	}
	if m.phone == nil {
		m.phone = adapters.NewTelephony(nil, nil, 0)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

type liveSession struct {
	id string

	mu      sync.Mutex // guards s and placing
	s       *types.VoiceSession
	placing bool

	seq sequencer

	proc   *live.StreamProcessor
	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// CreateParams are the inputs of CreateSession.
type CreateParams struct {
	UserID   string
	Context  map[string]any
	Quality  string
	Language string
}

// CreateSession admits a new idle session. Capacity, quota and draining
// rejections leave no trace.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*types.VoiceSession, error) {
	if m.draining() {
		return nil, drainingError()
	}
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("user_id is required", "user_id")
	}
	quality, ok := types.ParseAudioQuality(p.Quality)
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unsupported quality %q", p.Quality), "quality")
	}
	lang := strings.ToLower(strings.TrimSpace(p.Language))
	if lang == "" {
		lang = m.cfg.DefaultLanguage
	}
	if !types.IsSupportedLanguage(lang) {
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unsupported language %q", lang), "language")
	}

	now := m.now()
	sess := &types.VoiceSession{
		ID:           m.newID(),
		UserID:       userID,
		State:        types.StateIdle,
		StartTime:    now,
		LastActivity: now,
		Context:      maps.Clone(p.Context),
		Language:     lang,
		Quality:      quality,
	}
	ls := m.newLive(sess)

	err := m.registry.Admit(ls, func() error {
		if m.closing.Load() {
			return drainingError()
		}
		if m.limiter == nil {
			return nil
		}
		d := m.limiter.Check(ratelimit.PolicyAPI, userID, now)
		if !d.Allowed {
			return core.NewRateLimitError("session admission quota exceeded", d.RetryAfter)
		}
		return nil
	})
	if err != nil {
		ls.cancel()
		m.metrics.RecordError(string(core.TypeOf(err)))
		return nil, err
	}

	go m.runWorker(ls)
	m.metrics.RecordSessionStart()

	snap, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		return change{save: true, events: []emit{{events.SessionCreated, s.Clone()}}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", snap.ID, "user_id", userID, "quality", quality, "language", lang)
	return snap, nil
}

func (m *Manager) newLive(s *types.VoiceSession) *liveSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveSession{
		id:     s.ID,
		s:      s,
		proc:   live.NewStreamProcessor(live.AudioConfigFor(s.Quality), m.cfg.Window),
		inbox:  make(chan []byte, m.cfg.InboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// EndSession terminates a live session. Ending an unknown or already ended
// session is a SessionNotFound error.
func (m *Manager) EndSession(ctx context.Context, id string) (*types.VoiceSession, error) {
	ls, ok := m.registry.Get(id)
	if !ok {
		return nil, core.NewSessionNotFoundError(id)
	}
	return m.terminate(ctx, ls, types.StateTerminated, "ended", nil)
}

// Touch resets the inactivity clock.
func (m *Manager) Touch(id string) error {
	ls, ok := m.registry.Get(id)
	if !ok {
		return core.NewSessionNotFoundError(id)
	}
	ls.mu.Lock()
	ls.s.LastActivity = m.now()
	ls.mu.Unlock()
	return nil
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(id string) (*types.VoiceSession, error) {
	ls, ok := m.registry.Get(id)
	if !ok {
		return nil, core.NewSessionNotFoundError(id)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s.Clone(), nil
}

// Lookup returns a live session, falling back to the persisted row.
func (m *Manager) Lookup(ctx context.Context, id string) (*types.VoiceSession, error) {
	if s, err := m.Get(id); err == nil {
		return s, nil
	}
	if m.store == nil {
		return nil, core.NewSessionNotFoundError(id)
	}
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.NewSessionNotFoundError(id)
		}
		m.logger.Error("session lookup failed", "session_id", id, "error", err)
		return nil, core.NewAPIError("internal error")
	}
	return s, nil
}

// Transcripts lists a session's persisted transcripts in timestamp order.
func (m *Manager) Transcripts(ctx context.Context, id string, limit int) ([]types.Transcript, error) {
	if _, err := m.Lookup(ctx, id); err != nil {
		return nil, err
	}
	if m.store == nil {
		return nil, nil
	}
	out, err := m.store.ListTranscripts(ctx, id, limit)
	if err != nil {
		m.logger.Error("transcript listing failed", "session_id", id, "error", err)
		return nil, core.NewAPIError("internal error")
	}
	return out, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int { return m.registry.Count() }

// ReapIdle terminates sessions with no inbound activity for olderThan.
// Sessions with an attached call are left to the carrier's callbacks and a
// session mid-recognition is left to finish. A listening session whose
// client stopped sending audio is reaped like an idle one.
func (m *Manager) ReapIdle(ctx context.Context, olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	reaped := 0
	for _, ls := range m.registry.List() {
		ls.mu.Lock()
		stale := ls.s.LastActivity.Before(cutoff) && ls.s.ActiveCallID == "" && !ls.placing &&
			ls.s.State != types.StateProcessing
		ls.mu.Unlock()
		if !stale {
			continue
		}
		if _, err := m.terminate(ctx, ls, types.StateTerminated, "inactive", nil); err == nil {
			reaped++
		}
	}
	return reaped
}

// Shutdown stops admission and force-terminates every live session. It is
// safe to call more than once; later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.closing.Store(true)

		var g errgroup.Group
		g.SetLimit(8)
		for _, ls := range m.registry.List() {
			g.Go(func() error {
				_, _ = m.terminate(context.WithoutCancel(ctx), ls, types.StateTerminated, "shutdown", nil)
				return nil
			})
		}
		_ = g.Wait()

		if !m.registry.Wait(ctx) {
			m.shutdownErr = fmt.Errorf("session workers still running: %w", ctx.Err())
		}
	})
	return m.shutdownErr
}

func (m *Manager) draining() bool {
	return m.closing.Load() || m.lifecycle.IsDraining()
}

func drainingError() *core.Error {
	e := core.NewOverloadedError("server is shutting down")
	e.Code = core.CodeDraining
	return e
}

type terminalPayload struct {
	SessionID  string           `json:"session_id"`
	State      types.VoiceState `json:"state"`
	Reason     string           `json:"reason"`
	EndTime    *time.Time       `json:"end_time"`
	Transcript string           `json:"transcript,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// terminate moves ls to a terminal state exactly once. The caller that wins
// the registry removal does the work; everyone else gets SessionNotFound.
func (m *Manager) terminate(ctx context.Context, ls *liveSession, final types.VoiceState, reason string, cause error) (*types.VoiceSession, error) {
	if !m.registry.Remove(ls) {
		return nil, core.NewSessionNotFoundError(ls.id)
	}
	ls.cancel()

	ls.mu.Lock()
	callID := ls.s.ActiveCallID
	ls.mu.Unlock()
	if callID != "" {
		if lc, ok := m.calls.get(callID); ok {
			_, _ = m.endCall(context.WithoutCancel(ctx), lc, "session_"+string(final), false)
		}
	}

	snap, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		s.ActiveCallID = ""
		if err := s.Transition(final, m.now()); err != nil {
			return change{}, core.NewAPIError(err.Error())
		}
		p := terminalPayload{
			SessionID:  s.ID,
			State:      s.State,
			Reason:     reason,
			EndTime:    s.EndTime,
			Transcript: s.Transcript,
		}
		typ := events.SessionTerminated
		if final == types.StateError {
			typ = events.SessionError
			if cause != nil {
				p.Error = cause.Error()
			}
		}
		return change{
			save:      true,
			afterSave: m.metrics.RecordSessionEnd,
			events:    []emit{{typ, p}},
		}, nil
	})
	if err != nil {
		m.logger.Error("session termination failed", "session_id", ls.id, "error", err)
		return nil, err
	}
	m.logger.Info("session ended", "session_id", snap.ID, "state", snap.State, "reason", reason)
	return snap, nil
}

// fail moves a session to the error state after an unrecoverable fault.
func (m *Manager) fail(ctx context.Context, ls *liveSession, cause error) {
	m.logger.Error("session failed", "session_id", ls.id, "error", cause)
	_, _ = m.terminate(context.WithoutCancel(ctx), ls, types.StateError, "fault", cause)
}

// dependencyFailure records an adapter failure and fails the session when
// the dependency's circuit is open.
func (m *Manager) dependencyFailure(ctx context.Context, ls *liveSession, err error) error {
	ce, ok := core.AsError(err)
	if !ok {
		m.metrics.RecordError(string(core.ErrAPI))
		m.logger.Error("untyped adapter failure", "session_id", ls.id, "error", err)
		return core.NewAPIError("internal error")
	}
	m.metrics.RecordError(string(ce.Type))
	if ce.Unrecoverable {
		m.fail(ctx, ls, err)
	}
	return err
}

func (m *Manager) audioURL(ref string) string {
	if m.cfg.PublicBaseURL == "" {
		return ""
	}
	return m.cfg.PublicBaseURL + "/v1/audio/" + ref
}

func (m *Manager) statusCallbackURL() string {
	if m.cfg.PublicBaseURL == "" {
		return ""
	}
	return m.cfg.PublicBaseURL + "/v1/telephony/status"
}

func (m *Manager) answerURL(callID string) string {
	if m.cfg.PublicBaseURL == "" {
		return ""
	}
	return m.cfg.PublicBaseURL + "/v1/telephony/answer?call_id=" + callID
}
