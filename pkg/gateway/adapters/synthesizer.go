package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Speech is synthesized mono 16-bit PCM.
type Speech struct {
	PCM        []byte
	SampleRate int
	DurationMs int
	Latency    time.Duration
}

// Synthesizer is the guarded text-to-speech adapter. It may front several
// providers; VoiceProfile.Provider selects one and empty uses the default.
type Synthesizer struct {
	providers    map[string]tts.Provider
	defaultName  string
	defaultVoice string
	guard        *Guard
	timeout      time.Duration
}

// NewSynthesizer wraps the given providers. The first provider is the default.
func NewSynthesizer(g *Guard, timeout time.Duration, defaultVoice string, providers ...tts.Provider) *Synthesizer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if g == nil {
		g = &Guard{}
	}
	s := &Synthesizer{
		providers:    make(map[string]tts.Provider),
		defaultVoice: defaultVoice,
		guard:        g,
		timeout:      timeout,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		if s.defaultName == "" {
			s.defaultName = p.Name()
		}
		s.providers[p.Name()] = p
	}
	return s
}

// Synthesize renders text at sampleRate. callerID keys the per-caller quota.
func (s *Synthesizer) Synthesize(ctx context.Context, callerID, text string, voice types.VoiceProfile, sampleRate int) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewInvalidRequestErrorWithParam("text is required", "text")
	}
	name := voice.Provider
	if name == "" {
		name = s.defaultName
	}
	p, ok := s.providers[name]
	if !ok {
		if voice.Provider != "" && len(s.providers) > 0 {
			return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown voice provider %q", voice.Provider), "voice.provider")
		}
		return nil, notConfigured(core.NewSynthesisError, breaker.KeySynthesis)
	}

	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = s.defaultVoice
	}

	var out *tts.Synthesis
	latency, err := s.guard.run(ctx, call{
		dependency: breaker.KeySynthesis,
		policy:     ratelimit.PolicySynthesis,
		caller:     callerID,
		provider:   p.Name(),
		timeout:    s.timeout,
		newErr:     core.NewSynthesisError,
		attrs: []attribute.KeyValue{
			attribute.Int("voice.text_chars", len(text)),
			attribute.Int("voice.sample_rate", sampleRate),
		},
	}, func(ctx context.Context) error {
		var err error
		out, err = p.Synthesize(ctx, text, tts.SynthesizeOptions{
			Voice:      voiceID,
			Speed:      voice.Speed,
			Volume:     voice.Volume,
			Emotion:    voice.Emotion,
			Language:   voice.Language,
			Format:     types.VoiceFormatPCM,
			SampleRate: sampleRate,
		})
		return err
	})
	if latency > 0 {
		s.guard.Metrics.RecordSynthesis(latency)
	}
	if err != nil {
		return nil, err
	}

	pcm := out.Audio
	rate := out.SampleRate
	if rate == 0 {
		rate = sampleRate
	}
	if live.IsWAV(pcm) {
		decoded, format, derr := live.DecodeWAV(pcm)
		if derr != nil {
			return nil, core.NewSynthesisError("synthesis returned unreadable audio", derr)
		}
		pcm, rate = decoded, format.SampleRate
	}

	format := live.AudioConfig{SampleRate: rate, Channels: 1, BitsPerSample: 16}
	return &Speech{
		PCM:        pcm,
		SampleRate: rate,
		DurationMs: format.DurationMs(len(pcm)),
		Latency:    latency,
	}, nil
}
