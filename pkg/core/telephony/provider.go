// Package telephony places, controls and tracks phone calls through a
// carrier API.
package telephony

import (
	"context"
	"fmt"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core/types"
)

// Provider is the interface for telephony carriers.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// PlaceCall dials an outbound call.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*CallHandle, error)

	// EndCall hangs up a call by its carrier id.
	EndCall(ctx context.Context, providerCallID string) error

	// PlayAudio makes the carrier play the audio at audioURL into the call.
	PlayAudio(ctx context.Context, providerCallID, audioURL string) error
}

// PlaceCallRequest describes an outbound call.
type PlaceCallRequest struct {
	To                string
	From              string
	AnswerURL         string // fetched by the carrier when the callee picks up
	StatusCallbackURL string // receives lifecycle callbacks
}

// CallHandle is the carrier's acknowledgement of a placed call.
type CallHandle struct {
	ProviderCallID string
	Status         string
}

// StatusUpdate is a carrier lifecycle callback, already parsed.
type StatusUpdate struct {
	ProviderCallID string
	Status         string
	From           string
	To             string
	DurationSec    *float64
	RecordingURL   string
	Cost           *float64
}

// Carrier call statuses.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// MapStatus translates a carrier status into a CallState.
func MapStatus(status string) (types.CallState, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusQueued, "initiated", StatusRinging:
		return types.CallRinging, true
	case StatusInProgress, "answered":
		return types.CallAnswered, true
	case StatusCompleted, StatusCanceled:
		return types.CallEnded, true
	case StatusBusy, StatusFailed, StatusNoAnswer:
		return types.CallFailed, true
	default:
		return "", false
	}
}

// CallError is a carrier API failure.
type CallError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *CallError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telephony error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("telephony error %d: %s", e.StatusCode, e.Message)
}
