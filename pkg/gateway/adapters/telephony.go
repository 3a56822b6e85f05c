package adapters

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Telephony is the guarded carrier adapter.
type Telephony struct {
	provider telephony.Provider
	guard    *Guard
	timeout  time.Duration
}

func NewTelephony(p telephony.Provider, g *Guard, timeout time.Duration) *Telephony {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if g == nil {
		g = &Guard{}
	}
	return &Telephony{provider: p, guard: g, timeout: timeout}
}

// Configured reports whether a carrier is wired.
func (t *Telephony) Configured() bool {
	return t != nil && t.provider != nil
}

// PlaceCall dials out. callerID keys the per-caller call quota.
func (t *Telephony) PlaceCall(ctx context.Context, callerID string, req telephony.PlaceCallRequest) (*telephony.CallHandle, error) {
	if !t.Configured() {
		return nil, notConfigured(core.NewTelephonyError, breaker.KeyTelephony)
	}
	var h *telephony.CallHandle
	_, err := t.guard.run(ctx, t.call("place_call", ratelimit.PolicyCalls, callerID), func(ctx context.Context) error {
		var err error
		h, err = t.provider.PlaceCall(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// EndCall hangs up a carrier call.
func (t *Telephony) EndCall(ctx context.Context, providerCallID string) error {
	if !t.Configured() {
		return notConfigured(core.NewTelephonyError, breaker.KeyTelephony)
	}
	_, err := t.guard.run(ctx, t.call("end_call", "", ""), func(ctx context.Context) error {
		return t.provider.EndCall(ctx, providerCallID)
	})
	return err
}

// PlayAudio pushes an audio URL into a live call.
func (t *Telephony) PlayAudio(ctx context.Context, providerCallID, audioURL string) error {
	if !t.Configured() {
		return notConfigured(core.NewTelephonyError, breaker.KeyTelephony)
	}
	_, err := t.guard.run(ctx, t.call("play_audio", "", ""), func(ctx context.Context) error {
		return t.provider.PlayAudio(ctx, providerCallID, audioURL)
	})
	return err
}

func (t *Telephony) call(op, policy, caller string) call {
	return call{
		dependency: breaker.KeyTelephony,
		policy:     policy,
		caller:     caller,
		provider:   t.provider.Name(),
		timeout:    t.timeout,
		newErr:     core.NewTelephonyError,
		attrs:      []attribute.KeyValue{attribute.String("voice.operation", op)},
	}
}
