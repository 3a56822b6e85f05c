package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to VoiceState
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateListening, StateProcessing, true},
		{StateProcessing, StateSpeaking, true},
		{StateSpeaking, StateIdle, true},
		{StateListening, StateInCall, true},
		{StateInCall, StateIdle, true},
		{StateInCall, StateListening, false},
		{StateIdle, StateProcessing, false},
		{StateSpeaking, StateTerminated, true},
		{StateInCall, StateError, true},
		{StateTerminated, StateIdle, false},
		{StateError, StateTerminated, false},
	}
	for _, tc := range tests {
		assert.Equalf(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransition_EndTimeSetExactlyOnTerminal(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &VoiceSession{ID: "s1", State: StateIdle, StartTime: start}

	require.NoError(t, s.Transition(StateListening, start.Add(time.Second)))
	assert.Nil(t, s.EndTime)
	assert.True(t, s.IsActive())

	require.NoError(t, s.Transition(StateTerminated, start.Add(2*time.Second)))
	require.NotNil(t, s.EndTime)
	assert.False(t, s.EndTime.Before(s.StartTime))
	assert.False(t, s.IsActive())

	assert.Error(t, s.Transition(StateIdle, start.Add(3*time.Second)))
}

func TestTransition_EndTimeNeverBeforeStart(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &VoiceSession{State: StateIdle, StartTime: start}
	require.NoError(t, s.Transition(StateError, start.Add(-time.Minute)))
	assert.Equal(t, start, *s.EndTime)
}

func TestIdleIsNotActive(t *testing.T) {
	s := &VoiceSession{State: StateIdle}
	assert.False(t, s.IsActive())
}

func TestClone_IsDeep(t *testing.T) {
	end := time.Now()
	s := &VoiceSession{Context: map[string]any{"k": "v"}, EndTime: &end}
	c := s.Clone()
	c.Context["k"] = "changed"
	*c.EndTime = end.Add(time.Hour)

	assert.Equal(t, "v", s.Context["k"])
	assert.Equal(t, end, *s.EndTime)
}

func TestCallState_Monotonic(t *testing.T) {
	assert.True(t, CallRinging.CanAdvance(CallAnswered))
	assert.True(t, CallAnswered.CanAdvance(CallInProgress))
	assert.False(t, CallAnswered.CanAdvance(CallRinging))
	assert.True(t, CallRinging.CanAdvance(CallFailed))
	assert.False(t, CallEnded.CanAdvance(CallFailed))
}

func TestPhoneCall_DurationOnlyAfterEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &PhoneCall{State: CallRinging, StartTime: start}

	_, ok := c.Duration()
	assert.False(t, ok)

	require.True(t, c.Finish(CallEnded, start.Add(90*time.Second)))
	d, ok := c.Duration()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	assert.False(t, c.Finish(CallFailed, start.Add(time.Hour)), "terminal calls do not change")
}

func TestParseAudioQuality(t *testing.T) {
	q, ok := ParseAudioQuality("")
	require.True(t, ok)
	assert.Equal(t, QualityStandard, q)
	assert.Equal(t, 16000, q.SampleRate())

	q, ok = ParseAudioQuality(" HIGH ")
	require.True(t, ok)
	assert.Equal(t, 24000, q.SampleRate())

	_, ok = ParseAudioQuality("ultra")
	assert.False(t, ok)
}
