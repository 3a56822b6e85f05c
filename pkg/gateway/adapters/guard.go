// Package adapters wraps the speech and telephony providers with the
// gateway's resilience policy: per-caller quotas, per-dependency circuit
// breakers, call timeouts, tracing and latency metrics.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

const tracerName = "github.com/vango-go/vai-voice/pkg/gateway/adapters"

// Guard is the shared admission and accounting path for every adapter.
type Guard struct {
	Breakers *breaker.Registry
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

func (g *Guard) tracer() trace.Tracer {
	if g != nil && g.Tracer != nil {
		return g.Tracer
	}
	return otel.Tracer(tracerName)
}

func (g *Guard) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// call describes one guarded invocation.
type call struct {
	dependency string // breaker key
	policy     string // limiter policy; empty skips the quota check
	caller     string // limiter key
	provider   string
	timeout    time.Duration
	newErr     func(message string, cause error) *core.Error
	attrs      []attribute.KeyValue
}

// run executes fn under the guard. The returned error is always a *core.Error.
func (g *Guard) run(ctx context.Context, c call, fn func(ctx context.Context) error) (time.Duration, error) {
	if c.policy != "" && g.Limiter != nil {
		d := g.Limiter.Check(c.policy, c.caller, g.now())
		if !d.Allowed {
			return 0, core.NewRateLimitError(fmt.Sprintf("%s quota exceeded", c.policy), d.RetryAfter)
		}
	}

	var br *breaker.Breaker
	if g.Breakers != nil {
		br = g.Breakers.Get(c.dependency)
		if !br.CanExecute() {
			e := c.newErr(fmt.Sprintf("%s unavailable: circuit open", c.dependency), nil)
			e.Code = core.CodeCircuitOpen
			e.Unrecoverable = true
			return 0, e
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("voice.dependency", c.dependency),
		attribute.String("voice.provider", c.provider),
	}, c.attrs...)
	ctx, span := g.tracer().Start(ctx, c.dependency, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err == nil {
		if br != nil {
			br.RecordSuccess()
		}
		span.SetStatus(codes.Ok, "")
		return elapsed, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Cancellation by our own caller is not the dependency's fault.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if br != nil {
			br.Release()
		}
		return elapsed, c.newErr(fmt.Sprintf("%s canceled", c.dependency), err)
	}

	if br != nil {
		br.RecordFailure()
	}

	msg := fmt.Sprintf("%s failed", c.dependency)
	e := c.newErr(msg, err)
	if errors.Is(err, context.DeadlineExceeded) {
		e.Code = core.CodeTimeout
		e.Message = fmt.Sprintf("%s timed out after %s", c.dependency, c.timeout)
	}
	if br != nil && br.State() == breaker.Open {
		e.Unrecoverable = true
	}
	return elapsed, e
}

func notConfigured(newErr func(string, error) *core.Error, dependency string) *core.Error {
	e := newErr(dependency+" provider not configured", nil)
	e.Code = core.CodeNotConfig
	return e
}
