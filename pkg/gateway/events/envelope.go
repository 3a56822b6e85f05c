// Package events serializes session, call and transcript changes into small
// envelopes and distributes them to the broker and to connected sockets.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event types.
const (
	SessionCreated      = "session.created"
	SessionState        = "session.state"
	SessionTerminated   = "session.terminated"
	SessionError        = "session.error"
	TranscriptUpdate    = "transcript.update"
	TranscriptionFailed = "transcription.failed"
	SpeechReady         = "speech.ready"
	CallPlaced          = "call.placed"
	CallStatus          = "call.status"
	CallEnded           = "call.ended"
)

// DefaultTopicPrefix is prepended to the event type to form a broker topic.
const DefaultTopicPrefix = "voice.events."

// Envelope is the wire form of an event.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(eventType, sessionID, origin string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{
		Type:      eventType,
		Timestamp: ts.UTC(),
		SessionID: sessionID,
		Origin:    origin,
	}
	if payload == nil {
		env.Payload = json.RawMessage("{}")
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode returns the JSON form of e.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an encoded envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}
