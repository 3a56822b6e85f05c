package sessions

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
)

// IngestAudio queues a PCM chunk for the session's audio worker. Chunks of
// one session are processed strictly in arrival order.
func (m *Manager) IngestAudio(ctx context.Context, sessionID string, pcm []byte) error {
	ls, ok := m.registry.Get(sessionID)
	if !ok {
		return core.NewSessionNotFoundError(sessionID)
	}
	if len(pcm) == 0 {
		return core.NewInvalidRequestErrorWithParam("audio chunk is empty", "audio")
	}
	if len(pcm) > m.cfg.MaxChunkBytes {
		return core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("audio chunk exceeds %d bytes", m.cfg.MaxChunkBytes), "audio")
	}
	if frame := ls.proc.AudioConfig().FrameSize(); len(pcm)%frame != 0 {
		return core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("audio chunk must be a multiple of %d bytes", frame), "audio")
	}

	_, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		s.LastActivity = m.now()
		var ch change
		if s.State == types.StateIdle || s.State == types.StateSpeaking {
			return ch, m.moveTo(s, types.StateListening, &ch)
		}
		return ch, nil
	})
	if err != nil {
		return err
	}

	select {
	case <-ls.ctx.Done():
		return core.NewSessionNotFoundError(sessionID)
	case ls.inbox <- pcm:
	default:
		m.metrics.RecordError(string(core.ErrOverloaded))
		return core.NewOverloadedError("audio queue is full; slow down")
	}
	m.metrics.RecordAudioBytes("in", len(pcm))
	return nil
}

func (m *Manager) runWorker(ls *liveSession) {
	defer m.registry.workerDone()
	defer close(ls.done)

	for {
		select {
		case <-ls.ctx.Done():
			return
		case chunk := <-ls.inbox:
			if !m.handleChunk(ls, chunk) {
				return
			}
		}
	}
}

func (m *Manager) handleChunk(ls *liveSession, chunk []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("audio worker panic", "session_id", ls.id, "panic", r, "stack", string(debug.Stack()))
			m.fail(context.Background(), ls, fmt.Errorf("audio worker panic: %v", r))
			ok = false
		}
	}()

	w, ready := ls.proc.Push(chunk)
	if ready {
		m.transcribeWindow(ls, w)
	}
	return true
}

type transcriptPayload struct {
	SessionID    string  `json:"session_id"`
	TranscriptID string  `json:"transcript_id"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	Language     string  `json:"language"`
}

type failurePayload struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// transcribeWindow runs one recognition attempt. Success or failure, the
// window is committed so only the overlap carries into the next one, and a
// failure never changes the session's state.
func (m *Manager) transcribeWindow(ls *liveSession, w live.Window) {
	defer ls.proc.Commit()
	if ls.proc.Silent(w) {
		return
	}
	ctx := ls.ctx

	var userID, lang string
	if _, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		userID, lang = s.UserID, s.Language
		var ch change
		if s.State == types.StateListening {
			return ch, m.moveTo(s, types.StateProcessing, &ch)
		}
		return ch, nil
	}); err != nil {
		return
	}

	rec, err := m.transcriber.Transcribe(ctx, userID, w.PCM, ls.proc.AudioConfig(), lang)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.transcriptionFailed(ls, w, err)
		return
	}

	text := strings.TrimSpace(rec.Text)
	now := m.now()
	_, _ = m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		var ch change
		if text != "" {
			if s.Transcript != "" {
				s.Transcript += " "
			}
			s.Transcript += text
			ch.save = true

			tr := &types.Transcript{
				ID:         newTranscriptID(now),
				SessionID:  s.ID,
				Timestamp:  now,
				Speaker:    types.SpeakerUser,
				Text:       text,
				Confidence: rec.Confidence,
				Language:   firstNonEmpty(rec.Language, s.Language),
				Segments:   rec.Segments,
			}
			ch.writes = append(ch.writes, func(ctx context.Context) error {
				return m.store.AppendTranscript(ctx, tr)
			})
			ch.events = append(ch.events, emit{events.TranscriptUpdate, transcriptPayload{
				SessionID:    s.ID,
				TranscriptID: tr.ID,
				Text:         text,
				Confidence:   tr.Confidence,
				Language:     tr.Language,
			}})
		}
		if s.State == types.StateProcessing {
			return ch, m.moveTo(s, types.StateListening, &ch)
		}
		return ch, nil
	})
}

func (m *Manager) transcriptionFailed(ls *liveSession, w live.Window, err error) {
	p := failurePayload{SessionID: ls.id, Type: string(core.ErrAPI), Message: "transcription failed"}
	if ce, ok := core.AsError(err); ok {
		p.Type, p.Code, p.Message = string(ce.Type), ce.Code, ce.Message
	}
	m.metrics.RecordError(p.Type)
	m.logger.Warn("transcription failed; window dropped",
		"session_id", ls.id, "window_ms", w.DurationMs, "error", err)

	_, _ = m.apply(ls.ctx, ls, func(s *types.VoiceSession) (change, error) {
		ch := change{events: []emit{{events.TranscriptionFailed, p}}}
		if s.State == types.StateProcessing {
			return ch, m.moveTo(s, types.StateListening, &ch)
		}
		return ch, nil
	})
}

func newTranscriptID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
