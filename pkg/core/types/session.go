package types

import (
	"fmt"
	"maps"
	"time"
)

// VoiceState is the conversational state of a session.
type VoiceState string

const (
	StateIdle       VoiceState = "idle"
	StateListening  VoiceState = "listening"
	StateProcessing VoiceState = "processing"
	StateSpeaking   VoiceState = "speaking"
	StateInCall     VoiceState = "in_call"
	StateTerminated VoiceState = "terminated"
	StateError      VoiceState = "error"
)

// IsTerminal reports whether s is absorbing.
func (s VoiceState) IsTerminal() bool {
	return s == StateTerminated || s == StateError
}

var voiceTransitions = map[VoiceState][]VoiceState{
	StateIdle:       {StateListening, StateSpeaking, StateInCall},
	StateListening:  {StateProcessing, StateSpeaking, StateIdle, StateInCall},
	StateProcessing: {StateSpeaking, StateListening, StateIdle, StateInCall},
	StateSpeaking:   {StateIdle, StateListening, StateInCall},
	StateInCall:     {StateIdle},
}

// CanTransition reports whether from -> to is a legal move. Terminal states
// are reachable from every non-terminal state and leave nowhere.
func CanTransition(from, to VoiceState) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	for _, next := range voiceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VoiceSession is one logical voice interaction.
type VoiceSession struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	State        VoiceState     `json:"state"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	Transcript   string         `json:"transcript"`
	Context      map[string]any `json:"context,omitempty"`
	Language     string         `json:"language"`
	Quality      AudioQuality   `json:"quality"`
	ActiveCallID string         `json:"active_call_id,omitempty"`
}

// IsActive holds for non-idle, non-terminal states.
func (s *VoiceSession) IsActive() bool {
	return s.State != StateIdle && !s.State.IsTerminal()
}

// Transition moves the session to next, stamping the end time on terminal
// states so EndTime is set exactly when the state is terminal.
func (s *VoiceSession) Transition(next VoiceState, now time.Time) error {
	if s.State == next {
		return nil
	}
	if !CanTransition(s.State, next) {
		return fmt.Errorf("illegal session transition %s -> %s", s.State, next)
	}
	s.State = next
	if next.IsTerminal() {
		end := now
		if end.Before(s.StartTime) {
			end = s.StartTime
		}
		s.EndTime = &end
	}
	return nil
}

// Clone returns a deep copy safe to hand to persistence or serialization.
func (s *VoiceSession) Clone() *VoiceSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.Context != nil {
		out.Context = maps.Clone(s.Context)
	}
	return &out
}
