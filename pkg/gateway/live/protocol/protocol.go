// Package protocol defines the JSON frames exchanged on the live control
// channel.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/types"
)

// Client message types.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeAudioChunk   = "audio_chunk"
	TypeSpeak        = "speak"
	TypePlaceCall    = "place_call"
	TypeEndCall      = "end_call"
	TypePing         = "ping"
)

// Server message types.
const (
	TypeSessionCreated = "session_created"
	TypeSessionEnded   = "session_ended"
	TypeAudioReceived  = "audio_received"
	TypeSpeechReady    = "speech_ready"
	TypeCallPlaced     = "call_placed"
	TypeCallEnded      = "call_ended"
	TypePong           = "pong"
	TypeError          = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func tooLarge(message, param string) *DecodeError {
	return &DecodeError{Code: "too_large", Message: message, Param: param}
}

// Limits bounds what a decoded frame may carry.
type Limits struct {
	// MaxAudioBytes caps the decoded PCM of one audio_chunk. Zero disables
	// the check.
	MaxAudioBytes int
}

type StartSession struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id"`
	Context   map[string]any `json:"context,omitempty"`
	Quality   string         `json:"quality,omitempty"`
	Language  string         `json:"language,omitempty"`
}

type EndSession struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
}

// AudioChunk carries base64 PCM; PCM holds the decoded bytes.
type AudioChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"`

	PCM []byte `json:"-"`
}

type Speak struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	SessionID string              `json:"session_id"`
	Text      string              `json:"text"`
	Voice     *types.VoiceProfile `json:"voice,omitempty"`
}

type PlaceCall struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
}

type EndCall struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
}

type Ping struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestID extracts the correlation id from a frame that failed to decode
// fully, so the error reply can still be matched by the client.
func RequestID(data []byte) string {
	var envelope struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &envelope)
	return envelope.RequestID
}

// DecodeClientMessage parses and validates one control frame. The result is
// one of the message structs above, by value.
func DecodeClientMessage(data []byte, limits Limits) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_session", "")
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		if msg.UserID == "" {
			return nil, badRequest("start_session.user_id is required", "user_id")
		}
		return msg, nil
	case TypeEndSession:
		var msg EndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session", "")
		}
		if err := requireSession(typ, msg.SessionID); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if err := requireSession(typ, msg.SessionID); err != nil {
			return nil, err
		}
		pcm, err := decodeAudio(msg.Audio, limits)
		if err != nil {
			return nil, err
		}
		msg.PCM = pcm
		msg.Audio = ""
		return msg, nil
	case TypeSpeak:
		var msg Speak
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speak", "")
		}
		if err := requireSession(typ, msg.SessionID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("speak.text is required", "text")
		}
		return msg, nil
	case TypePlaceCall:
		var msg PlaceCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid place_call", "")
		}
		if err := requireSession(typ, msg.SessionID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.To) == "" {
			return nil, badRequest("place_call.to is required", "to")
		}
		return msg, nil
	case TypeEndCall:
		var msg EndCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_call", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badRequest("end_call.call_id is required", "call_id")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		_ = json.Unmarshal(data, &msg)
		msg.Type = TypePing
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func requireSession(typ, id string) error {
	if strings.TrimSpace(id) == "" {
		return badRequest(typ+".session_id is required", "session_id")
	}
	return nil
}

func decodeAudio(b64 string, limits Limits) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, badRequest("audio_chunk.audio is required", "audio")
	}
	if limits.MaxAudioBytes > 0 && base64.StdEncoding.DecodedLen(len(b64)) > limits.MaxAudioBytes+2 {
		return nil, tooLarge(fmt.Sprintf("audio_chunk.audio exceeds %d bytes", limits.MaxAudioBytes), "audio")
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, badRequest("audio_chunk.audio must be base64", "audio")
	}
	if limits.MaxAudioBytes > 0 && len(pcm) > limits.MaxAudioBytes {
		return nil, tooLarge(fmt.Sprintf("audio_chunk.audio exceeds %d bytes", limits.MaxAudioBytes), "audio")
	}
	if len(pcm)%2 != 0 {
		return nil, badRequest("audio_chunk.audio must hold whole 16-bit samples", "audio")
	}
	return pcm, nil
}

type SessionCreated struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Session   *types.VoiceSession `json:"session"`
}

type SessionEnded struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	SessionID string              `json:"session_id"`
	Session   *types.VoiceSession `json:"session,omitempty"`
}

type AudioReceived struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id"`
	Bytes     int    `json:"bytes"`
}

type SpeechReady struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	SessionID  string `json:"session_id"`
	AudioRef   string `json:"audio_ref"`
	AudioURL   string `json:"audio_url,omitempty"`
	DurationMs int    `json:"duration_ms"`
	CallID     string `json:"call_id,omitempty"`
	Delivered  bool   `json:"delivered"`
}

type CallPlaced struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Call      *types.PhoneCall `json:"call"`
}

type CallEnded struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	CallID    string           `json:"call_id"`
	Call      *types.PhoneCall `json:"call,omitempty"`
}

type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// ServerError reports a failed request. The connection stays open.
type ServerError struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

// ErrorFrame converts err into an error frame. Decode errors are client
// mistakes; typed gateway errors keep their type as the code; anything else
// is reported as an internal error without detail.
func ErrorFrame(requestID string, err error) ServerError {
	out := ServerError{Type: TypeError, RequestID: requestID}
	if de, ok := err.(*DecodeError); ok {
		out.Code = string(core.ErrInvalidRequest)
		out.Message = de.Message
		out.Param = de.Param
		out.Reason = de.Code
		return out
	}
	if ce, ok := core.AsError(err); ok {
		out.Code = string(ce.Type)
		out.Message = ce.Message
		out.Param = ce.Param
		out.Reason = ce.Code
		out.RetryAfter = ce.RetryAfter
		return out
	}
	out.Code = string(core.ErrAPI)
	out.Message = "internal error"
	return out
}
