package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Named quota policies.
const (
	PolicyAPI           = "api"
	PolicyTranscription = "transcription"
	PolicySynthesis     = "synthesis"
	PolicyCalls         = "calls"
)

// Policy admits at most Limit events per key within any trailing Window.
type Policy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultPolicies returns the stock quotas.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAPI:           {Limit: 100, Window: time.Minute},
		PolicyTranscription: {Limit: 60, Window: time.Minute},
		PolicySynthesis:     {Limit: 30, Window: time.Minute},
		PolicyCalls:         {Limit: 10, Window: time.Minute},
	}
}

type Config struct {
	Policies map[string]Policy

	// MaxConcurrentSockets caps live control sockets per principal. Zero
	// disables the cap.
	MaxConcurrentSockets int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	polMu    sync.RWMutex
	policies map[string]Policy

	mu sync.Mutex
	m  map[string]*principalLimiter

	onReject func(policy string)
}

type principalLimiter struct {
	mu sync.Mutex

	// per policy, ascending admission times within the policy window
	windows map[string][]time.Time

	sockSem chan struct{}

	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	return &Limiter{
		cfg:      cfg,
		policies: clonePolicies(cfg.Policies),
		m:        make(map[string]*principalLimiter),
	}
}

// SetPolicies replaces the quota table. Admissions already recorded stay
// counted against the new quotas.
func (l *Limiter) SetPolicies(p map[string]Policy) {
	l.polMu.Lock()
	l.policies = clonePolicies(p)
	l.polMu.Unlock()
}

func clonePolicies(in map[string]Policy) map[string]Policy {
	out := make(map[string]Policy, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// OnReject registers a hook invoked with the policy name on every rejection.
func (l *Limiter) OnReject(fn func(policy string)) {
	l.mu.Lock()
	l.onReject = fn
	l.mu.Unlock()
}

// Policy returns the configured policy by name.
func (l *Limiter) Policy(name string) (Policy, bool) {
	l.polMu.RLock()
	defer l.polMu.RUnlock()
	p, ok := l.policies[name]
	return p, ok
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + ip
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds
	Remaining  int
	Permit     *Permit
}

// Check admits one event for key under the named policy. Timestamps older
// than the window are evicted first; a rejection records nothing. Unknown or
// disabled policies always admit.
func (l *Limiter) Check(policy, key string, now time.Time) Decision {
	p, ok := l.Policy(policy)
	if !ok || p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt32}
	}
	if key == "" {
		key = "anonymous"
	}

	pl := l.getOrCreate(key, now)
	d := pl.admit(policy, p, now)
	if !d.Allowed {
		l.rejected(policy)
	}
	return d
}

// AcquireSocket reserves one live socket slot for principal.
func (l *Limiter) AcquireSocket(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)

	if l.cfg.MaxConcurrentSockets > 0 {
		select {
		case pl.sockSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-pl.sockSem }},
			}
		default:
			l.rejected("sockets")
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// Len reports the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// GC drops principals idle for longer than the entry TTL.
func (l *Limiter) GC(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(now)
}

func (l *Limiter) rejected(policy string) {
	l.mu.Lock()
	fn := l.onReject
	l.mu.Unlock()
	if fn != nil {
		fn(policy)
	}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		pl.touch(now)
		return pl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sockSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	pl := &principalLimiter{
		windows:  make(map[string][]time.Time),
		sockSem:  make(chan struct{}, max(1, l.cfg.MaxConcurrentSockets)),
		lastSeen: now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		v.mu.Lock()
		idle := now.Sub(v.lastSeen) > ttl && len(v.sockSem) == 0
		v.mu.Unlock()
		if idle {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.mu.Lock()
	if now.After(pl.lastSeen) {
		pl.lastSeen = now
	}
	pl.mu.Unlock()
}

func (pl *principalLimiter) admit(policy string, p Policy, now time.Time) Decision {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	ts := pl.windows[policy]
	cutoff := now.Add(-p.Window)
	drop := 0
	for drop < len(ts) && !ts[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		ts = append(ts[:0], ts[drop:]...)
	}

	if len(ts) >= p.Limit {
		pl.windows[policy] = ts
		wait := ts[0].Add(p.Window).Sub(now)
		retryAfter := int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	pl.windows[policy] = append(ts, now)
	return Decision{Allowed: true, Remaining: p.Limit - len(ts) - 1}
}
