package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
)

// SpeechResult describes synthesized audio parked in the audio cache.
type SpeechResult struct {
	AudioRef   string `json:"audio_ref"`
	AudioURL   string `json:"audio_url,omitempty"`
	Bytes      int    `json:"bytes"`
	DurationMs int    `json:"duration_ms"`
	CallID     string `json:"call_id,omitempty"`
	Delivered  bool   `json:"delivered"`
}

type speechPayload struct {
	SessionID  string `json:"session_id"`
	AudioRef   string `json:"audio_ref"`
	AudioURL   string `json:"audio_url,omitempty"`
	Bytes      int    `json:"bytes"`
	DurationMs int    `json:"duration_ms"`
	Text       string `json:"text"`
}

// Speak synthesizes text for the session, caches the audio under a fresh
// reference and, when a call is attached, plays it into the call. A failed
// synthesis leaves the session state untouched unless the synthesis circuit
// is open.
func (m *Manager) Speak(ctx context.Context, sessionID, text string, voice types.VoiceProfile) (*SpeechResult, error) {
	ls, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, core.NewSessionNotFoundError(sessionID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.NewInvalidRequestErrorWithParam("text is required", "text")
	}
	if utf8.RuneCountInString(text) > m.cfg.MaxSpeakChars {
		return nil, core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("text exceeds %d characters", m.cfg.MaxSpeakChars), "text")
	}

	ls.mu.Lock()
	ls.s.LastActivity = m.now()
	userID, quality, lang := ls.s.UserID, ls.s.Quality, ls.s.Language
	ls.mu.Unlock()
	if voice.Language == "" {
		voice.Language = lang
	}

	sp, err := m.synth.Synthesize(ctx, userID, text, voice, quality.SampleRate())
	if err != nil {
		return nil, m.dependencyFailure(ctx, ls, err)
	}

	ref := m.newID()
	wav := live.EncodeWAV(sp.PCM, live.AudioConfig{SampleRate: sp.SampleRate, Channels: 1, BitsPerSample: 16})
	if m.audio != nil {
		if err := m.audio.PutAudio(ctx, ref, wav, m.cfg.AudioTTL); err != nil {
			m.metrics.RecordError("audio_cache")
			m.logger.Error("caching synthesized audio failed", "session_id", sessionID, "error", err)
			return nil, core.NewAPIError("failed to store synthesized audio")
		}
	}
	m.metrics.RecordAudioBytes("out", len(sp.PCM))

	res := &SpeechResult{AudioRef: ref, AudioURL: m.audioURL(ref), Bytes: len(wav), DurationMs: sp.DurationMs}
	now := m.now()
	var resume types.VoiceState
	if _, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		res.CallID = s.ActiveCallID
		resume = types.StateIdle
		if s.State == types.StateListening || s.State == types.StateProcessing {
			resume = types.StateListening
		}

		tr := &types.Transcript{
			ID:         newTranscriptID(now),
			SessionID:  s.ID,
			Timestamp:  now,
			Speaker:    types.SpeakerAssistant,
			Text:       text,
			Confidence: 1,
			Language:   voice.Language,
		}
		ch := change{
			writes: []func(ctx context.Context) error{func(ctx context.Context) error {
				return m.store.AppendTranscript(ctx, tr)
			}},
		}
		if s.State != types.StateInCall {
			if err := m.moveTo(s, types.StateSpeaking, &ch); err != nil {
				return ch, err
			}
		}
		ch.events = append(ch.events, emit{events.SpeechReady, speechPayload{
			SessionID:  s.ID,
			AudioRef:   ref,
			AudioURL:   res.AudioURL,
			Bytes:      res.Bytes,
			DurationMs: res.DurationMs,
			Text:       text,
		}})
		return ch, nil
	}); err != nil {
		return nil, err
	}

	if res.CallID != "" {
		if err := m.PushAudio(ctx, res.CallID, ref); err != nil {
			if ce, ok := core.AsError(err); ok && ce.Unrecoverable {
				return nil, err
			}
			m.logger.Warn("speech not delivered to call", "session_id", sessionID, "call_id", res.CallID, "error", err)
		} else {
			res.Delivered = true
		}
	}

	// Audio is handed off; fall back into the conversational loop.
	_, _ = m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		var ch change
		if s.State == types.StateSpeaking {
			return ch, m.moveTo(s, resume, &ch)
		}
		return ch, nil
	})
	return res, nil
}

// Audio returns cached synthesized audio as WAV.
func (m *Manager) Audio(ctx context.Context, ref string) ([]byte, error) {
	if m.audio == nil || ref == "" {
		return nil, core.NewNotFoundError("audio not found")
	}
	data, err := m.audio.GetAudio(ctx, ref)
	if errors.Is(err, broker.ErrCacheMiss) {
		return nil, core.NewNotFoundError("audio not found")
	}
	if err != nil {
		m.logger.Error("audio cache read failed", "audio_ref", ref, "error", err)
		return nil, core.NewAPIError("internal error")
	}
	return data, nil
}
