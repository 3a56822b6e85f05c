package types

import "time"

// CallDirection is who initiated a call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallState is the lifecycle state of a phone call.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRinging    CallState = "ringing"
	CallAnswered   CallState = "answered"
	CallInProgress CallState = "in_progress"
	CallEnded      CallState = "ended"
	CallFailed     CallState = "failed"
)

var callRank = map[CallState]int{
	CallIdle:       0,
	CallRinging:    1,
	CallAnswered:   2,
	CallInProgress: 3,
	CallEnded:      4,
	CallFailed:     4,
}

// IsTerminal reports whether the call can no longer change state.
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

// IsLive reports whether audio can be pushed into the call.
func (s CallState) IsLive() bool {
	return s == CallAnswered || s == CallInProgress
}

// CanAdvance reports whether from -> to keeps the call monotonic.
func (s CallState) CanAdvance(to CallState) bool {
	if s.IsTerminal() {
		return false
	}
	return callRank[to] > callRank[s]
}

// PhoneCall is a telephony leg, optionally linked to a session.
type PhoneCall struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id,omitempty"`
	ProviderCallID string        `json:"provider_call_id,omitempty"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Direction      CallDirection `json:"direction"`
	State          CallState     `json:"state"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	RecordingURL   string        `json:"recording_url,omitempty"`
	Cost           *float64      `json:"cost,omitempty"`
}

// Duration is only defined once the call has ended.
func (c *PhoneCall) Duration() (time.Duration, bool) {
	if c == nil || c.EndTime == nil {
		return 0, false
	}
	d := c.EndTime.Sub(c.StartTime)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Finish moves the call into a terminal state and stamps the end time.
func (c *PhoneCall) Finish(state CallState, now time.Time) bool {
	if c.State.IsTerminal() || !state.IsTerminal() {
		return false
	}
	c.State = state
	end := now
	if end.Before(c.StartTime) {
		end = c.StartTime
	}
	c.EndTime = &end
	return true
}

// Clone returns a deep copy.
func (c *PhoneCall) Clone() *PhoneCall {
	if c == nil {
		return nil
	}
	out := *c
	if c.EndTime != nil {
		end := *c.EndTime
		out.EndTime = &end
	}
	if c.Cost != nil {
		cost := *c.Cost
		out.Cost = &cost
	}
	return &out
}
