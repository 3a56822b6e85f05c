package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

// Provider names accepted for the speech and telephony slots.
const (
	ProviderNone       = "none"
	ProviderCartesia   = "cartesia"
	ProviderElevenLabs = "elevenlabs"
	ProviderTwilio     = "twilio"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// TrustProxyHeaders makes anonymous callers resolve to the client IP in
	// CF-Connecting-IP, X-Real-IP or X-Forwarded-For instead of RemoteAddr.
	TrustProxyHeaders bool

	// PublicBaseURL is how carriers reach this gateway for webhooks and audio
	// fetches. Empty disables outbound call audio.
	PublicBaseURL string

	// Persistence and fan-out.
	StoreDSN         string
	BrokerURL        string // empty => in-process broker
	EventTopicPrefix string
	InstanceID       string

	// Providers.
	STTProvider       string
	TTSProvider       string
	TelephonyProvider string
	CartesiaAPIKey    string
	CartesiaBaseURL   string
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioBaseURL     string
	TwilioFromNumber  string
	// TwilioValidateSignatures rejects webhooks without a valid
	// X-Twilio-Signature.
	TwilioValidateSignatures bool
	STTModel                 string
	DefaultVoice             string

	// Sessions and audio.
	MaxSessions        int
	DefaultLanguage    string
	Window             live.WindowConfig
	MaxAudioChunkBytes int
	MaxSpeakChars      int
	AudioTTL           time.Duration
	InboxSize          int

	// Resilience.
	Breakers               map[string]breaker.Settings
	RateLimits             map[string]ratelimit.Policy
	MaxSocketsPerPrincipal int
	TranscriptionTimeout   time.Duration
	SynthesisTimeout       time.Duration
	TelephonyTimeout       time.Duration
	StoreTimeout           time.Duration

	// Background loops.
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	HealthInterval    time.Duration
	MetricsInterval   time.Duration
	SessionRetention  time.Duration // 0 => keep forever

	// WebSocket
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSPongWait     time.Duration
	WSReadLimit    int64
	WSSendQueue    int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	// ConfigFile is an optional YAML overlay for per-key breaker and quota
	// policies. It is watched and re-applied on change.
	ConfigFile string

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("VOICE_ADDR", ":8080"),
		AuthMode:                 AuthMode(envOr("VOICE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                  make(map[string]struct{}),
		CORSAllowedOrigins:       make(map[string]struct{}),
		TrustProxyHeaders:        envBoolOr("VOICE_TRUST_PROXY_HEADERS", false),
		PublicBaseURL:            strings.TrimRight(envOr("VOICE_PUBLIC_BASE_URL", ""), "/"),
		StoreDSN:                 envOr("VOICE_STORE_DSN", "voice.db"),
		BrokerURL:                envOr("VOICE_BROKER_URL", ""),
		EventTopicPrefix:         envOr("VOICE_EVENT_TOPIC_PREFIX", "voice.events."),
		InstanceID:               envOr("VOICE_INSTANCE_ID", hostnameOr("voice-gateway")),
		STTProvider:              strings.ToLower(envOr("VOICE_STT_PROVIDER", ProviderCartesia)),
		TTSProvider:              strings.ToLower(envOr("VOICE_TTS_PROVIDER", ProviderCartesia)),
		TelephonyProvider:        strings.ToLower(envOr("VOICE_TELEPHONY_PROVIDER", ProviderNone)),
		CartesiaAPIKey:           envOr("CARTESIA_API_KEY", ""),
		CartesiaBaseURL:          envOr("VOICE_CARTESIA_BASE_URL", ""),
		ElevenLabsAPIKey:         envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL:        envOr("VOICE_ELEVENLABS_BASE_URL", ""),
		TwilioAccountSID:         envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioBaseURL:            envOr("VOICE_TWILIO_BASE_URL", ""),
		TwilioFromNumber:         envOr("VOICE_TWILIO_FROM", ""),
		TwilioValidateSignatures: envBoolOr("VOICE_TWILIO_VALIDATE_SIGNATURES", true),
		STTModel:                 envOr("VOICE_STT_MODEL", ""),
		DefaultVoice:             envOr("VOICE_DEFAULT_VOICE", ""),
		MaxSessions:              envIntOr("VOICE_MAX_SESSIONS", 100),
		DefaultLanguage:          strings.ToLower(envOr("VOICE_DEFAULT_LANGUAGE", "en")),
		Window: live.WindowConfig{
			ThresholdMs:      envIntOr("VOICE_AUDIO_THRESHOLD_MS", 2000),
			OverlapMs:        envIntOr("VOICE_AUDIO_OVERLAP_MS", 500),
			MaxBufferMs:      envIntOr("VOICE_AUDIO_MAX_BUFFER_MS", 30000),
			SilenceThreshold: envFloat64Or("VOICE_AUDIO_SILENCE_RMS", 0),
		},
		MaxAudioChunkBytes:     envIntOr("VOICE_MAX_AUDIO_CHUNK_BYTES", 256<<10),
		MaxSpeakChars:          envIntOr("VOICE_MAX_SPEAK_CHARS", 5000),
		AudioTTL:               envDurationOr("VOICE_AUDIO_TTL", 10*time.Minute),
		InboxSize:              envIntOr("VOICE_SESSION_INBOX", 32),
		Breakers:               breaker.DefaultSettings(),
		RateLimits:             ratelimit.DefaultPolicies(),
		MaxSocketsPerPrincipal: envIntOr("VOICE_MAX_SOCKETS_PER_PRINCIPAL", 8),
		TranscriptionTimeout:   envDurationOr("VOICE_TRANSCRIPTION_TIMEOUT", 30*time.Second),
		SynthesisTimeout:       envDurationOr("VOICE_SYNTHESIS_TIMEOUT", 20*time.Second),
		TelephonyTimeout:       envDurationOr("VOICE_TELEPHONY_TIMEOUT", 15*time.Second),
		StoreTimeout:           envDurationOr("VOICE_STORE_TIMEOUT", 5*time.Second),
		InactivityTimeout:      envDurationOr("VOICE_INACTIVITY_TIMEOUT", 5*time.Minute),
		CleanupInterval:        envDurationOr("VOICE_CLEANUP_INTERVAL", time.Minute),
		HealthInterval:         envDurationOr("VOICE_HEALTH_INTERVAL", 30*time.Second),
		MetricsInterval:        envDurationOr("VOICE_METRICS_INTERVAL", 15*time.Second),
		SessionRetention:       envDurationOr("VOICE_SESSION_RETENTION", 0),
		WSPingInterval:         envDurationOr("VOICE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("VOICE_WS_WRITE_TIMEOUT", 10*time.Second),
		WSPongWait:             envDurationOr("VOICE_WS_PONG_WAIT", 60*time.Second),
		WSReadLimit:            envInt64Or("VOICE_WS_READ_LIMIT", 1<<20),
		WSSendQueue:            envIntOr("VOICE_WS_SEND_QUEUE", 64),
		ReadHeaderTimeout:      envDurationOr("VOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:            envDurationOr("VOICE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:    envDurationOr("VOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		ConfigFile:             envOr("VOICE_CONFIG_FILE", ""),
		LogLevel:               strings.ToLower(envOr("VOICE_LOG_LEVEL", "info")),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICE_AUTH_MODE must be one of required|optional|disabled")
	}
	for _, key := range splitCSV(os.Getenv("VOICE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	applyEnvPolicies(&cfg)

	if cfg.ConfigFile != "" {
		ov, err := LoadOverlay(cfg.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("VOICE_CONFIG_FILE: %w", err)
		}
		ov.Apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvPolicies reads the per-dependency breaker and per-policy quota
// variables on top of the stock settings.
func applyEnvPolicies(cfg *Config) {
	for key, s := range cfg.Breakers {
		env := strings.ToUpper(key)
		s.FailureThreshold = envIntOr("VOICE_BREAKER_"+env+"_THRESHOLD", s.FailureThreshold)
		s.RecoveryTimeout = envDurationOr("VOICE_BREAKER_"+env+"_RECOVERY", s.RecoveryTimeout)
		cfg.Breakers[key] = s
	}
	for name, p := range cfg.RateLimits {
		env := strings.ToUpper(name)
		p.Limit = envIntOr("VOICE_RATE_"+env+"_LIMIT", p.Limit)
		p.Window = envDurationOr("VOICE_RATE_"+env+"_WINDOW", p.Window)
		cfg.RateLimits[name] = p
	}
}

// Validate reports the first invalid setting, naming its variable.
func (cfg Config) Validate() error {
	switch cfg.STTProvider {
	case ProviderCartesia, ProviderNone:
	default:
		return fmt.Errorf("VOICE_STT_PROVIDER must be one of cartesia|none")
	}
	switch cfg.TTSProvider {
	case ProviderCartesia, ProviderElevenLabs, ProviderNone:
	default:
		return fmt.Errorf("VOICE_TTS_PROVIDER must be one of cartesia|elevenlabs|none")
	}
	switch cfg.TelephonyProvider {
	case ProviderTwilio, ProviderNone:
	default:
		return fmt.Errorf("VOICE_TELEPHONY_PROVIDER must be one of twilio|none")
	}
	if (cfg.STTProvider == ProviderCartesia || cfg.TTSProvider == ProviderCartesia) && cfg.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY must be set when cartesia is selected")
	}
	if cfg.TTSProvider == ProviderElevenLabs && cfg.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY must be set when VOICE_TTS_PROVIDER=elevenlabs")
	}
	if cfg.TelephonyProvider == ProviderTwilio {
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set when VOICE_TELEPHONY_PROVIDER=twilio")
		}
		if cfg.PublicBaseURL == "" {
			return fmt.Errorf("VOICE_PUBLIC_BASE_URL must be set when VOICE_TELEPHONY_PROVIDER=twilio")
		}
	}
	if cfg.PublicBaseURL != "" && !strings.HasPrefix(cfg.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.PublicBaseURL, "https://") {
		return fmt.Errorf("VOICE_PUBLIC_BASE_URL must be an http(s) URL")
	}
	if strings.TrimSpace(cfg.EventTopicPrefix) == "" {
		return fmt.Errorf("VOICE_EVENT_TOPIC_PREFIX must not be empty")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("VOICE_MAX_SESSIONS must be > 0")
	}
	if cfg.Window.ThresholdMs <= 0 {
		return fmt.Errorf("VOICE_AUDIO_THRESHOLD_MS must be > 0")
	}
	if cfg.Window.OverlapMs < 0 || cfg.Window.OverlapMs >= cfg.Window.ThresholdMs {
		return fmt.Errorf("VOICE_AUDIO_OVERLAP_MS must be >= 0 and < VOICE_AUDIO_THRESHOLD_MS")
	}
	if cfg.Window.MaxBufferMs < cfg.Window.ThresholdMs {
		return fmt.Errorf("VOICE_AUDIO_MAX_BUFFER_MS must be >= VOICE_AUDIO_THRESHOLD_MS")
	}
	if cfg.Window.SilenceThreshold < 0 {
		return fmt.Errorf("VOICE_AUDIO_SILENCE_RMS must be >= 0")
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		return fmt.Errorf("VOICE_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.MaxSpeakChars <= 0 {
		return fmt.Errorf("VOICE_MAX_SPEAK_CHARS must be > 0")
	}
	if cfg.AudioTTL <= 0 {
		return fmt.Errorf("VOICE_AUDIO_TTL must be > 0")
	}
	if cfg.InboxSize <= 0 {
		return fmt.Errorf("VOICE_SESSION_INBOX must be > 0")
	}
	for key, s := range cfg.Breakers {
		if s.FailureThreshold <= 0 || s.RecoveryTimeout <= 0 {
			return fmt.Errorf("breaker %q: threshold and recovery must be > 0", key)
		}
	}
	for name, p := range cfg.RateLimits {
		if p.Limit < 0 || p.Window < 0 {
			return fmt.Errorf("rate limit %q: limit and window must be >= 0", name)
		}
	}
	if cfg.MaxSocketsPerPrincipal < 0 {
		return fmt.Errorf("VOICE_MAX_SOCKETS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.TranscriptionTimeout <= 0 || cfg.SynthesisTimeout <= 0 || cfg.TelephonyTimeout <= 0 {
		return fmt.Errorf("adapter timeouts must be > 0")
	}
	if cfg.StoreTimeout <= 0 {
		return fmt.Errorf("VOICE_STORE_TIMEOUT must be > 0")
	}
	if cfg.InactivityTimeout <= 0 {
		return fmt.Errorf("VOICE_INACTIVITY_TIMEOUT must be > 0")
	}
	if cfg.CleanupInterval <= 0 || cfg.HealthInterval <= 0 || cfg.MetricsInterval <= 0 {
		return fmt.Errorf("loop intervals must be > 0")
	}
	if cfg.SessionRetention < 0 {
		return fmt.Errorf("VOICE_SESSION_RETENTION must be >= 0")
	}
	if cfg.WSPingInterval <= 0 || cfg.WSWriteTimeout <= 0 || cfg.WSPongWait <= 0 {
		return fmt.Errorf("websocket timeouts must be > 0")
	}
	if cfg.WSPingInterval >= cfg.WSPongWait {
		return fmt.Errorf("VOICE_WS_PING_INTERVAL must be < VOICE_WS_PONG_WAIT")
	}
	if cfg.WSReadLimit <= 0 {
		return fmt.Errorf("VOICE_WS_READ_LIMIT must be > 0")
	}
	if cfg.WSSendQueue <= 0 {
		return fmt.Errorf("VOICE_WS_SEND_QUEUE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("VOICE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VOICE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("VOICE_API_KEYS must be set when VOICE_AUTH_MODE=required")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}
