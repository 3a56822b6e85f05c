// Package server assembles the voice gateway from its configuration: the
// providers, persistence, event fan-out, the session manager, background
// loops and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/adapters"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/handlers"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/loops"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voice/pkg/gateway/store"
)

// Options override what New would otherwise build from the config. Zero
// fields are built from the config.
type Options struct {
	STT       stt.Provider
	TTS       []tts.Provider
	Telephony telephony.Provider
	Store     store.Store
	Broker    broker.Backend
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	now    func() time.Time

	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	breakers  *breaker.Registry
	store     store.Store
	broker    broker.Backend
	hub       *events.Hub
	sessions  *sessions.Manager
	loops     *loops.Loops

	startOnce    sync.Once
	loopCancel   context.CancelFunc
	loopDone     chan error
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a gateway. It opens the store (running migrations) and the
// broker, so it fails fast on unreachable dependencies.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		now:       now,
		lifecycle: &lifecycle.Lifecycle{},
		metrics:   m,
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	s.store = st

	bk := opts.Broker
	if bk == nil {
		if cfg.BrokerURL == "" {
			bk = broker.NewMemory()
		} else {
			r, err := broker.NewRedis(ctx, cfg.BrokerURL)
			if err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("open broker: %w", err)
			}
			bk = r
		}
	}
	s.broker = bk

	s.limiter = ratelimit.New(ratelimit.Config{
		Policies:             cfg.RateLimits,
		MaxConcurrentSockets: cfg.MaxSocketsPerPrincipal,
	})
	s.limiter.OnReject(m.RecordRateLimitRejection)

	s.breakers = breaker.NewRegistry(cfg.Breakers, breaker.Settings{}, now)
	s.breakers.OnStateChange(func(name string, from, to breaker.State) {
		m.SetBreakerState(name, int(to))
		logger.Warn("circuit breaker changed state", "dependency", name, "from", from.String(), "to", to.String())
	})

	s.hub = events.NewHub(events.HubConfig{
		SendQueue:    cfg.WSSendQueue,
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		ReadLimit:    cfg.WSReadLimit,
	}, logger, m)
	publisher := events.NewPublisher(events.PublisherConfig{
		Broker:      bk,
		Hub:         s.hub,
		TopicPrefix: cfg.EventTopicPrefix,
		Origin:      cfg.InstanceID,
		Logger:      logger,
		Metrics:     m,
		Now:         now,
	})

	sttP, ttsP, telP := buildProviders(cfg, opts)
	guard := &adapters.Guard{Breakers: s.breakers, Limiter: s.limiter, Metrics: m, Now: now}

	s.sessions = sessions.NewManager(sessions.Config{
		MaxSessions:     cfg.MaxSessions,
		Window:          cfg.Window,
		InboxSize:       cfg.InboxSize,
		MaxChunkBytes:   cfg.MaxAudioChunkBytes,
		MaxSpeakChars:   cfg.MaxSpeakChars,
		AudioTTL:        cfg.AudioTTL,
		StoreTimeout:    cfg.StoreTimeout,
		PublicBaseURL:   cfg.PublicBaseURL,
		DefaultLanguage: cfg.DefaultLanguage,
		DefaultFrom:     cfg.TwilioFromNumber,
	}, sessions.Deps{
		Store:       st,
		Transcriber: adapters.NewTranscriber(sttP, guard, cfg.TranscriptionTimeout, cfg.STTModel),
		Synthesizer: adapters.NewSynthesizer(guard, cfg.SynthesisTimeout, cfg.DefaultVoice, ttsP...),
		Telephony:   adapters.NewTelephony(telP, guard, cfg.TelephonyTimeout),
		Limiter:     s.limiter,
		Publisher:   publisher,
		Audio:       bk,
		Metrics:     m,
		Lifecycle:   s.lifecycle,
		Logger:      logger,
		Now:         now,
	})

	var relay loops.Runner
	if cfg.BrokerURL != "" {
		relay = events.NewRelay(bk, s.hub, cfg.EventTopicPrefix, cfg.InstanceID, logger)
	}
	s.loops = loops.New(loops.Config{
		InactivityTimeout: cfg.InactivityTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		SessionRetention:  cfg.SessionRetention,
		HealthInterval:    cfg.HealthInterval,
		MetricsInterval:   cfg.MetricsInterval,
		ProbeTimeout:      cfg.StoreTimeout,
		OverlayPath:       cfg.ConfigFile,
		BaseBreakers:      cfg.Breakers,
		BaseRateLimits:    cfg.RateLimits,
	}, loops.Deps{
		Sessions: s.sessions,
		Store:    st,
		Probes:   map[string]loops.Pinger{"store": st, "broker": bk},
		Limiter:  s.limiter,
		Breakers: s.breakers,
		Metrics:  m,
		Relay:    relay,
		Logger:   logger,
		Now:      now,
	})

	s.routes()
	return s, nil
}

// buildProviders selects the configured providers. Unselected providers stay
// nil and their adapters report not_configured.
func buildProviders(cfg config.Config, opts Options) (stt.Provider, []tts.Provider, telephony.Provider) {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	sttP := opts.STT
	if sttP == nil && cfg.STTProvider == config.ProviderCartesia {
		sttP = stt.NewCartesiaWithClient(cfg.CartesiaAPIKey, client).WithBaseURL(cfg.CartesiaBaseURL)
	}

	ttsP := opts.TTS
	if len(ttsP) == 0 {
		cartesia := func() tts.Provider {
			return tts.NewCartesiaWithClient(cfg.CartesiaAPIKey, client).WithBaseURL(cfg.CartesiaBaseURL)
		}
		eleven := func() tts.Provider {
			return tts.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, client).WithBaseURL(cfg.ElevenLabsBaseURL)
		}
		// The selected provider is the default; the other joins when keyed so
		// requests can name it per voice profile.
		switch cfg.TTSProvider {
		case config.ProviderCartesia:
			ttsP = append(ttsP, cartesia())
			if cfg.ElevenLabsAPIKey != "" {
				ttsP = append(ttsP, eleven())
			}
		case config.ProviderElevenLabs:
			ttsP = append(ttsP, eleven())
			if cfg.CartesiaAPIKey != "" {
				ttsP = append(ttsP, cartesia())
			}
		}
	}

	telP := opts.Telephony
	if telP == nil && cfg.TelephonyProvider == config.ProviderTwilio {
		telP = telephony.NewTwilioWithClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, client).WithBaseURL(cfg.TwilioBaseURL)
	}
	return sttP, ttsP, telP
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Health: s.loops})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.Handle("GET /v1/live", handlers.LiveHandler{
		Config:    s.cfg,
		Sessions:  s.sessions,
		Hub:       s.hub,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
		Now:       s.now,
	})
	s.mux.Handle("GET /v1/events", handlers.EventsHandler{Config: s.cfg, Hub: s.hub, Lifecycle: s.lifecycle})

	sh := handlers.SessionsHandler{Sessions: s.sessions}
	s.mux.HandleFunc("GET /v1/sessions/{id}", sh.Get)
	s.mux.HandleFunc("GET /v1/sessions/{id}/transcripts", sh.Transcripts)
	s.mux.Handle("/v1/audio/{ref}", handlers.AudioHandler{Sessions: s.sessions})

	th := handlers.TelephonyHandler{Config: s.cfg, Sessions: s.sessions, Logger: s.logger}
	s.mux.HandleFunc("POST /v1/telephony/status", th.Status)
	s.mux.HandleFunc("POST /v1/telephony/inbound", th.Inbound)
	s.mux.HandleFunc("/v1/telephony/answer", th.Answer)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, s.now, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the session manager.
func (s *Server) Sessions() *sessions.Manager { return s.sessions }

// Start launches the background loops. It is safe to call more than once.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.loopCancel = cancel
		s.loopDone = make(chan error, 1)
		go func() {
			err := s.loops.Run(ctx)
			if err != nil {
				s.logger.Error("background loops stopped", "error", err)
			}
			s.loopDone <- err
		}()
	})
}

// SetDraining stops admitting new sessions and sockets; /readyz turns 503.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// Shutdown drains the gateway: admission stops, background loops end, live
// sessions are terminated, sockets are closed and the broker and store are
// released. Only the first call does work; later calls return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.lifecycle.SetDraining(true)

		var errs []error
		if s.loopCancel != nil {
			s.loopCancel()
			select {
			case <-s.loopDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
			}
		}
		if err := s.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		s.hub.CloseAll()
		if err := s.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
		if s.shutdownErr == nil {
			s.logger.Info("gateway shut down")
		}
	})
	return s.shutdownErr
}
