// Package loops runs the gateway's background work: the inactivity reaper
// and retention pruning, dependency health probes, breaker metrics export,
// the cross-instance event relay and config overlay hot reload.
package loops

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voice/pkg/gateway/breaker"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Reaper ends sessions idle for longer than olderThan.
type Reaper interface {
	ReapIdle(ctx context.Context, olderThan time.Duration) int
}

// Pruner deletes persisted terminal sessions.
type Pruner interface {
	PruneSessions(ctx context.Context, endedBefore time.Time) (int64, error)
}

// Pinger is a dependency that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner is a long-running task such as the event relay.
type Runner interface {
	Run(ctx context.Context) error
}

type Config struct {
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	SessionRetention  time.Duration // 0 => keep forever
	HealthInterval    time.Duration
	MetricsInterval   time.Duration
	ProbeTimeout      time.Duration

	// OverlayPath is watched when set; changes are merged over the base
	// policies below.
	OverlayPath    string
	BaseBreakers   map[string]breaker.Settings
	BaseRateLimits map[string]ratelimit.Policy
}

// Deps are optional; a nil dependency disables the work that needs it.
type Deps struct {
	Sessions Reaper
	Store    Pruner
	Probes   map[string]Pinger
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Metrics  *metrics.Metrics
	Relay    Runner
	Logger   *slog.Logger
	Now      func() time.Time
}

// Loops owns the background goroutines. Run blocks until ctx is done.
type Loops struct {
	cfg  Config
	deps Deps

	mu         sync.RWMutex
	components map[string]string
}

func New(cfg Config, d Deps) *Loops {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Loops{cfg: cfg, deps: d, components: make(map[string]string)}
}

// Run starts every loop and waits for them. Loops stop cleanly on ctx
// cancellation; the first loop to fail cancels the rest.
func (l *Loops) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		every(ctx, l.cfg.CleanupInterval, func() { l.Cleanup(ctx) })
		return nil
	})
	if len(l.deps.Probes) > 0 {
		g.Go(func() error {
			l.Probe(ctx)
			every(ctx, l.cfg.HealthInterval, func() { l.Probe(ctx) })
			return nil
		})
	}
	if l.deps.Breakers != nil && l.deps.Metrics != nil {
		g.Go(func() error {
			l.ExportBreakers()
			every(ctx, l.cfg.MetricsInterval, l.ExportBreakers)
			return nil
		})
	}
	if l.deps.Relay != nil {
		g.Go(func() error { return l.deps.Relay.Run(ctx) })
	}
	if l.cfg.OverlayPath != "" {
		g.Go(func() error {
			return config.WatchOverlay(ctx, l.cfg.OverlayPath, 0, l.deps.Logger, l.ApplyOverlay)
		})
	}
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Cleanup runs one reaper pass.
func (l *Loops) Cleanup(ctx context.Context) {
	now := l.deps.Now()
	if l.deps.Sessions != nil && l.cfg.InactivityTimeout > 0 {
		if n := l.deps.Sessions.ReapIdle(ctx, l.cfg.InactivityTimeout); n > 0 {
			l.deps.Logger.Info("reaped idle sessions", "count", n, "inactivity_timeout", l.cfg.InactivityTimeout)
		}
	}
	if l.deps.Store != nil && l.cfg.SessionRetention > 0 {
		n, err := l.deps.Store.PruneSessions(ctx, now.Add(-l.cfg.SessionRetention))
		switch {
		case err != nil && ctx.Err() == nil:
			l.deps.Metrics.RecordError("store")
			l.deps.Logger.Error("session retention prune failed", "error", err)
		case n > 0:
			l.deps.Logger.Info("pruned ended sessions", "count", n, "retention", l.cfg.SessionRetention)
		}
	}
	if l.deps.Limiter != nil {
		l.deps.Limiter.GC(now)
	}
}

// Probe pings every dependency once and records the results.
func (l *Loops) Probe(ctx context.Context) {
	results := make(map[string]string, len(l.deps.Probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range l.deps.Probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
			defer cancel()
			status := "ok"
			if err := p.Ping(pctx); err != nil {
				status = err.Error()
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	prev := l.components
	l.components = results
	l.mu.Unlock()

	for name, status := range results {
		if prev[name] == status {
			continue
		}
		if status == "ok" {
			l.deps.Logger.Info("dependency healthy", "component", name)
		} else {
			l.deps.Logger.Warn("dependency unhealthy", "component", name, "error", status)
		}
	}
}

// Components returns the latest probe results.
func (l *Loops) Components() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.components)
}

// ExportBreakers copies every breaker position into the metrics gauge.
func (l *Loops) ExportBreakers() {
	for _, s := range l.deps.Breakers.Snapshots() {
		l.deps.Metrics.SetBreakerState(s.Name, int(s.Position))
	}
}

// ApplyOverlay merges a reloaded overlay over the base policies and hands
// the result to the limiter and breakers.
func (l *Loops) ApplyOverlay(ov config.Overlay) {
	if l.deps.Limiter != nil {
		l.deps.Limiter.SetPolicies(ov.MergeRateLimits(l.cfg.BaseRateLimits))
	}
	if l.deps.Breakers != nil {
		l.deps.Breakers.Update(ov.MergeBreakers(l.cfg.BaseBreakers))
	}
}
