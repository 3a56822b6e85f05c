// Package lifecycle tracks whether the gateway is draining. Once draining,
// the gateway refuses new sessions and sockets, and /readyz reports 503 so
// the load balancer stops routing to it.
package lifecycle

import (
	"sync"
	"time"
)

type Lifecycle struct {
	mu       sync.RWMutex
	draining bool
	since    time.Time
}

// SetDraining flips the drain flag. The first transition into draining is
// timestamped; leaving draining clears the timestamp.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case draining && !l.draining:
		l.since = time.Now()
	case !draining:
		l.since = time.Time{}
	}
	l.draining = draining
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.draining
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since
}
