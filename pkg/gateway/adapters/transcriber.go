package adapters

import (
	"bytes"
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Recognition is the outcome of transcribing one audio window.
type Recognition struct {
	Text       string
	Confidence float64
	Language   string
	Segments   []types.Segment
	Latency    time.Duration
}

// Transcriber is the guarded speech-to-text adapter.
type Transcriber struct {
	provider stt.Provider
	guard    *Guard
	timeout  time.Duration
	model    string
}

// NewTranscriber wraps p. A nil provider makes every call fail with a
// not-configured error.
func NewTranscriber(p stt.Provider, g *Guard, timeout time.Duration, model string) *Transcriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if g == nil {
		g = &Guard{}
	}
	return &Transcriber{provider: p, guard: g, timeout: timeout, model: model}
}

// Transcribe recognizes raw PCM in the given format. callerID keys the
// per-caller transcription quota.
func (t *Transcriber) Transcribe(ctx context.Context, callerID string, pcm []byte, format live.AudioConfig, language string) (*Recognition, error) {
	if t.provider == nil {
		return nil, notConfigured(core.NewTranscriptionError, breaker.KeyTranscription)
	}

	wav := live.EncodeWAV(pcm, format)
	var out *stt.Transcript
	latency, err := t.guard.run(ctx, call{
		dependency: breaker.KeyTranscription,
		policy:     ratelimit.PolicyTranscription,
		caller:     callerID,
		provider:   t.provider.Name(),
		timeout:    t.timeout,
		newErr:     core.NewTranscriptionError,
		attrs: []attribute.KeyValue{
			attribute.Int("voice.audio_bytes", len(pcm)),
			attribute.Int("voice.sample_rate", format.SampleRate),
		},
	}, func(ctx context.Context) error {
		var err error
		out, err = t.provider.Transcribe(ctx, bytes.NewReader(wav), stt.TranscribeOptions{
			Model:      t.model,
			Language:   language,
			Format:     "wav",
			SampleRate: format.SampleRate,
			Timestamps: true,
		})
		return err
	})
	if latency > 0 {
		t.guard.Metrics.RecordTranscription(latency)
	}
	if err != nil {
		return nil, err
	}

	rec := &Recognition{
		Text:       out.Text,
		Confidence: out.Confidence,
		Language:   out.Language,
		Latency:    latency,
	}
	if rec.Language == "" {
		rec.Language = language
	}
	for _, w := range out.Words {
		rec.Segments = append(rec.Segments, types.Segment{Text: w.Word, Start: w.Start, End: w.End})
	}
	return rec, nil
}
