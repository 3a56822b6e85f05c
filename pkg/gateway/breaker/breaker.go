// Package breaker implements per-dependency circuit breakers.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configure a single breaker.
type Settings struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout after the last failure before a trial is admitted.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// Breaker guards calls to one dependency. All methods are safe for
// concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialOut    bool

	onChange func(name string, from, to State)
}

// New creates a closed breaker. A nil clock uses time.Now.
func New(name string, s Settings, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, settings: normalize(s), now: now}
}

func normalize(s Settings) Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = time.Minute
	}
	return s
}

func (b *Breaker) updateSettings(s Settings) {
	b.mu.Lock()
	b.settings = normalize(s)
	b.mu.Unlock()
}

func (b *Breaker) Name() string { return b.name }

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed moves to half-open and admits exactly one
// trial; further callers are refused until the trial reports back.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var changed bool
	var from State
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, HalfOpen)
		}
	}()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) < b.settings.RecoveryTimeout {
			return false
		}
		from, changed = b.state, true
		b.state = HalfOpen
		b.trialOut = true
		return true
	case HalfOpen:
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trialOut = false
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

// RecordFailure counts a failure. A failed half-open trial re-opens the
// breaker and restarts the recovery timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()
	b.trialOut = false
	switch b.state {
	case HalfOpen:
		b.state = Open
	case Closed:
		if b.failures >= b.settings.FailureThreshold {
			b.state = Open
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Release returns an admitted call's slot without an outcome, for calls
// abandoned by their caller. A half-open breaker admits a new trial.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trialOut = false
	b.mu.Unlock()
}

// State returns the current position without side effects. An open breaker
// past its recovery timeout still reports Open until the next CanExecute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) notify(from, to State) {
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(b.name, from, to)
	}
}
