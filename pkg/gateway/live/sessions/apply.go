package sessions

import (
	"context"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
)

// sequencer hands out tickets under the owner's field lock and lets ticket
// holders run strictly in ticket order afterwards. Persistence and event
// publication therefore follow the order in which changes were applied,
// without the field lock being held across I/O.
type sequencer struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func (q *sequencer) ticket() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.next
	q.next++
	return t
}

func (q *sequencer) wait(t uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
	for q.turn != t {
		q.cond.Wait()
	}
}

func (q *sequencer) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.turn++
	if q.cond != nil {
		q.cond.Broadcast()
	}
}

type emit struct {
	typ     string
	payload any
}

// change describes the side effects of one mutation.
type change struct {
	save      bool
	writes    []func(ctx context.Context) error
	afterSave func()
	events    []emit
}

// apply runs fn against the session under its field lock, then persists and
// publishes the result in application order.
func (m *Manager) apply(ctx context.Context, ls *liveSession, fn func(s *types.VoiceSession) (change, error)) (*types.VoiceSession, error) {
	ls.mu.Lock()
	ch, err := fn(ls.s)
	if err != nil {
		ls.mu.Unlock()
		return nil, err
	}
	snap := ls.s.Clone()
	t := ls.seq.ticket()
	ls.mu.Unlock()

	ls.seq.wait(t)
	defer ls.seq.done()

	m.persist(ctx, snap, ch)
	if ch.afterSave != nil {
		ch.afterSave()
	}
	for _, e := range ch.events {
		m.publish(ctx, e.typ, snap.ID, e.payload)
	}
	return snap, nil
}

type statePayload struct {
	SessionID string           `json:"session_id"`
	From      types.VoiceState `json:"from"`
	To        types.VoiceState `json:"to"`
}

// moveTo performs a non-terminal transition and records its side effects.
func (m *Manager) moveTo(s *types.VoiceSession, next types.VoiceState, ch *change) error {
	prev := s.State
	if prev == next {
		return nil
	}
	if err := s.Transition(next, m.now()); err != nil {
		return core.NewAPIError(err.Error())
	}
	ch.save = true
	ch.events = append(ch.events, emit{events.SessionState, statePayload{SessionID: s.ID, From: prev, To: next}})
	return nil
}

func (m *Manager) persist(ctx context.Context, snap *types.VoiceSession, ch change) {
	if m.store == nil || (!ch.save && len(ch.writes) == 0) {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()

	if ch.save {
		if err := m.store.SaveSession(sctx, snap); err != nil {
			m.storeFailed("save session", snap.ID, err)
		}
	}
	for _, w := range ch.writes {
		if err := w(sctx); err != nil {
			m.storeFailed("write", snap.ID, err)
		}
	}
}

func (m *Manager) storeFailed(op, sessionID string, err error) {
	m.metrics.RecordError("store")
	m.logger.Error("store write failed", "op", op, "session_id", sessionID, "error", err)
}

func (m *Manager) publish(ctx context.Context, typ, sessionID string, payload any) {
	if err := m.events.Publish(ctx, typ, sessionID, payload); err != nil {
		m.logger.Error("event encode failed", "event", typ, "session_id", sessionID, "error", err)
	}
}
