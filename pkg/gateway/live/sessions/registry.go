package sessions

import (
	"context"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core"
)

// Registry is the live-session table. Its lock covers map access only and
// is never held across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
	max      int
	wg       sync.WaitGroup
}

func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions: make(map[string]*liveSession),
		max:      maxSessions,
	}
}

// Admit inserts ls if the table is below its ceiling and gate (when set)
// allows it. Capacity, gate and insert are decided atomically, so a
// rejection leaves nothing behind.
func (r *Registry) Admit(ls *liveSession, gate func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.sessions) >= r.max {
		return core.NewCapacityExceededError(r.max)
	}
	if _, exists := r.sessions[ls.id]; exists {
		return core.NewInvalidRequestErrorWithParam("session id already in use", "session_id")
	}
	if gate != nil {
		if err := gate(); err != nil {
			return err
		}
	}
	r.sessions[ls.id] = ls
	r.wg.Add(1)
	return nil
}

func (r *Registry) Get(id string) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[id]
	return ls, ok
}

// Remove deletes ls if it is still the registered entry for its id. Only the
// caller that gets true may finish the session.
func (r *Registry) Remove(ls *liveSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[ls.id]; !ok || cur != ls {
		return false
	}
	delete(r.sessions, ls.id)
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the live sessions in no particular order.
func (r *Registry) List() []*liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveSession, 0, len(r.sessions))
	for _, ls := range r.sessions {
		out = append(out, ls)
	}
	return out
}

// workerDone is called once per admitted session when its worker exits.
func (r *Registry) workerDone() { r.wg.Done() }

// Wait blocks until every admitted session's worker has exited or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
