package types

import "time"

const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Segment is a timed span of recognized speech, in seconds relative to the
// start of the transcribed window.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcript is an append-only recognition (or synthesis) record.
type Transcript struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Language   string    `json:"language"`
	Segments   []Segment `json:"segments,omitempty"`
}
