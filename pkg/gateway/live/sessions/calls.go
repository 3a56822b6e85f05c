package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/telephony"
	"github.com/vango-go/vai-voice/pkg/core/types"
	"github.com/vango-go/vai-voice/pkg/gateway/broker"
	"github.com/vango-go/vai-voice/pkg/gateway/events"
	"github.com/vango-go/vai-voice/pkg/gateway/store"
)

const codeCallNotActive = "call_not_active"

type liveCall struct {
	mu  sync.Mutex
	c   *types.PhoneCall
	seq sequencer
}

// unconfirmedTTL bounds how long a call ended without carrier confirmation
// waits for its final status callback.
const unconfirmedTTL = 24 * time.Hour

// callTable indexes non-terminal calls by id and by carrier id. It also
// remembers calls ended locally without carrier confirmation, whose duration
// is observed once the carrier reports it.
type callTable struct {
	mu          sync.Mutex
	byID        map[string]*liveCall
	byProvider  map[string]*liveCall
	unconfirmed map[string]time.Time
}

func newCallTable() *callTable {
	return &callTable{
		byID:        make(map[string]*liveCall),
		byProvider:  make(map[string]*liveCall),
		unconfirmed: make(map[string]time.Time),
	}
}

// add registers lc unless a call with the same id is already live, in which
// case the existing entry is returned and lc is discarded.
func (t *callTable) add(lc *liveCall, id, providerID string) *liveCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byID[id]; ok {
		return cur
	}
	t.byID[id] = lc
	if providerID != "" {
		t.byProvider[providerID] = lc
	}
	return lc
}

func (t *callTable) markUnconfirmed(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, at := range t.unconfirmed {
		if now.Sub(at) > unconfirmedTTL {
			delete(t.unconfirmed, k)
		}
	}
	t.unconfirmed[id] = now
}

func (t *callTable) takeUnconfirmed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.unconfirmed[id]
	delete(t.unconfirmed, id)
	return ok
}

func (t *callTable) get(id string) (*liveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lc, ok := t.byID[id]
	return lc, ok
}

func (t *callTable) getByProvider(providerID string) (*liveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lc, ok := t.byProvider[providerID]
	return lc, ok
}

func (t *callTable) remove(id, providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	if providerID != "" {
		delete(t.byProvider, providerID)
	}
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

type callPayload struct {
	Call   *types.PhoneCall `json:"call"`
	Reason string           `json:"reason,omitempty"`
}

type callChange struct {
	save        bool
	ended       bool
	unconfirmed bool
	event       string
	reason      string
}

// applyCall is apply for calls: mutate under the call lock, then persist and
// publish in application order.
func (m *Manager) applyCall(ctx context.Context, lc *liveCall, fn func(c *types.PhoneCall) callChange) (*types.PhoneCall, callChange) {
	lc.mu.Lock()
	ch := fn(lc.c)
	snap := lc.c.Clone()
	t := lc.seq.ticket()
	lc.mu.Unlock()

	lc.seq.wait(t)
	defer lc.seq.done()

	if ch.ended {
		m.calls.remove(snap.ID, snap.ProviderCallID)
		if ch.unconfirmed {
			m.calls.markUnconfirmed(snap.ID, m.now())
		} else if d, ok := snap.Duration(); ok {
			m.metrics.RecordCallEnded(d)
		}
	}
	if ch.save && m.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
		if err := m.store.SaveCall(sctx, snap); err != nil {
			m.storeFailed("save call", snap.SessionID, err)
		}
		cancel()
	}
	if ch.event != "" {
		m.publish(ctx, ch.event, snap.SessionID, callPayload{Call: snap, Reason: ch.reason})
	}
	return snap, ch
}

// PlaceCall dials `to` for the session. On failure nothing is recorded.
func (m *Manager) PlaceCall(ctx context.Context, sessionID, to, from string) (*types.PhoneCall, error) {
	ls, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, core.NewSessionNotFoundError(sessionID)
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, core.NewInvalidRequestErrorWithParam("to is required", "to")
	}
	from = strings.TrimSpace(from)
	if from == "" {
		from = m.cfg.DefaultFrom
	}
	if from == "" {
		return nil, core.NewInvalidRequestErrorWithParam("from is required when no default caller id is configured", "from")
	}

	ls.mu.Lock()
	if ls.s.ActiveCallID != "" || ls.placing {
		ls.mu.Unlock()
		return nil, core.NewInvalidRequestErrorWithParam("session already has an active call", "session_id")
	}
	ls.placing = true
	ls.s.LastActivity = m.now()
	userID := ls.s.UserID
	ls.mu.Unlock()
	defer func() {
		ls.mu.Lock()
		ls.placing = false
		ls.mu.Unlock()
	}()

	callID := m.newID()
	h, err := m.phone.PlaceCall(ctx, userID, telephony.PlaceCallRequest{
		To:                to,
		From:              from,
		AnswerURL:         m.answerURL(callID),
		StatusCallbackURL: m.statusCallbackURL(),
	})
	if err != nil {
		return nil, m.dependencyFailure(ctx, ls, err)
	}

	call := &types.PhoneCall{
		ID:             callID,
		SessionID:      ls.id,
		ProviderCallID: h.ProviderCallID,
		From:           from,
		To:             to,
		Direction:      types.DirectionOutbound,
		State:          types.CallRinging,
		StartTime:      m.now(),
	}
	snap := call.Clone()
	lc := &liveCall{c: call}
	m.calls.add(lc, call.ID, call.ProviderCallID)

	_, err = m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		ch := change{save: true}
		if err := m.moveTo(s, types.StateInCall, &ch); err != nil {
			return ch, err
		}
		s.ActiveCallID = snap.ID
		ch.writes = append(ch.writes, func(ctx context.Context) error { return m.store.SaveCall(ctx, snap) })
		ch.events = append([]emit{{events.CallPlaced, callPayload{Call: snap}}}, ch.events...)
		return ch, nil
	})
	if err != nil {
		// The session ended while dialing; hang the new leg up again.
		_, _ = m.endCall(context.WithoutCancel(ctx), lc, "session_gone", false)
		return nil, core.NewSessionNotFoundError(sessionID)
	}

	m.logger.Info("call placed", "session_id", ls.id, "call_id", snap.ID, "provider_call_id", snap.ProviderCallID)
	return snap, nil
}

// EndCall hangs up a call. The local record is marked ended even when the
// carrier cannot confirm, and the mismatch is logged for reconciliation.
func (m *Manager) EndCall(ctx context.Context, callID string) (*types.PhoneCall, error) {
	lc, done, err := m.lookupCall(ctx, callID, false)
	if err != nil {
		return nil, err
	}
	if done != nil {
		return done, nil
	}
	return m.endCall(ctx, lc, "hangup", true)
}

func (m *Manager) endCall(ctx context.Context, lc *liveCall, reason string, detach bool) (*types.PhoneCall, error) {
	lc.mu.Lock()
	providerID := lc.c.ProviderCallID
	callID := lc.c.ID
	finished := lc.c.State.IsTerminal()
	lc.mu.Unlock()
	if finished {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		return lc.c.Clone(), nil
	}

	unconfirmed := false
	if providerID != "" {
		if err := m.phone.EndCall(ctx, providerID); err != nil {
			unconfirmed = true
			m.metrics.RecordError("call_reconcile")
			m.logger.Warn("carrier did not confirm hangup; marking call ended locally",
				"call_id", callID, "provider_call_id", providerID, "error", err)
		}
	}

	snap, ch := m.applyCall(ctx, lc, func(c *types.PhoneCall) callChange {
		if !c.Finish(types.CallEnded, m.now()) {
			return callChange{}
		}
		return callChange{save: true, ended: true, unconfirmed: unconfirmed, event: events.CallEnded, reason: reason}
	})
	if ch.ended && detach {
		m.detachCall(ctx, snap)
	}
	return snap, nil
}

// detachCall clears the session's link to a finished call.
func (m *Manager) detachCall(ctx context.Context, call *types.PhoneCall) {
	if call.SessionID == "" {
		return
	}
	ls, ok := m.registry.Get(call.SessionID)
	if !ok {
		return
	}
	_, _ = m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		var ch change
		if s.ActiveCallID != call.ID {
			return ch, nil
		}
		s.ActiveCallID = ""
		s.LastActivity = m.now()
		ch.save = true
		if s.State == types.StateInCall {
			return ch, m.moveTo(s, types.StateIdle, &ch)
		}
		return ch, nil
	})
}

// PushAudio plays cached synthesized audio into a live call. The first push
// moves an answered call to in_progress.
func (m *Manager) PushAudio(ctx context.Context, callID, audioRef string) error {
	lc, ok := m.calls.get(callID)
	if !ok {
		return callNotActive(callID)
	}
	lc.mu.Lock()
	state, providerID, sessionID := lc.c.State, lc.c.ProviderCallID, lc.c.SessionID
	lc.mu.Unlock()
	if !state.IsLive() {
		return callNotActive(callID)
	}
	if audioRef == "" {
		return core.NewInvalidRequestErrorWithParam("audio_ref is required", "audio_ref")
	}
	if m.audio != nil {
		if _, err := m.audio.GetAudio(ctx, audioRef); errors.Is(err, broker.ErrCacheMiss) {
			return core.NewInvalidRequestErrorWithParam("unknown or expired audio_ref", "audio_ref")
		} else if err != nil {
			m.logger.Error("audio cache read failed", "audio_ref", audioRef, "error", err)
			return core.NewAPIError("internal error")
		}
	}
	url := m.audioURL(audioRef)
	if url == "" {
		e := core.NewTelephonyError("public base url is not configured; carrier cannot fetch audio", nil)
		e.Code = core.CodeNotConfig
		return e
	}

	if err := m.phone.PlayAudio(ctx, providerID, url); err != nil {
		if ls, ok := m.registry.Get(sessionID); ok {
			return m.dependencyFailure(ctx, ls, err)
		}
		m.metrics.RecordError(string(core.TypeOf(err)))
		return err
	}

	m.applyCall(ctx, lc, func(c *types.PhoneCall) callChange {
		if c.State == types.CallAnswered {
			c.State = types.CallInProgress
			return callChange{save: true, event: events.CallStatus, reason: "playing"}
		}
		return callChange{}
	})
	return nil
}

func callNotActive(callID string) *core.Error {
	e := core.NewTelephonyError(fmt.Sprintf("call %q is not answered or in progress", callID), nil)
	e.Code = codeCallNotActive
	e.Param = "call_id"
	return e
}

// HandleCallStatus applies a carrier status callback. States only move
// forward; late or duplicate callbacks are absorbed. A terminal callback for
// a call already ended locally settles its duration, cost and recording.
func (m *Manager) HandleCallStatus(ctx context.Context, u telephony.StatusUpdate) (*types.PhoneCall, error) {
	if u.ProviderCallID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("provider call id is required", "CallSid")
	}
	next, ok := telephony.MapStatus(u.Status)
	if !ok {
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown call status %q", u.Status), "CallStatus")
	}
	lc, done, err := m.lookupCall(ctx, u.ProviderCallID, true)
	if err != nil {
		return nil, err
	}
	if done != nil {
		if !next.IsTerminal() {
			return done, nil
		}
		return m.reconcileCall(ctx, done, u), nil
	}

	snap, ch := m.applyCall(ctx, lc, func(c *types.PhoneCall) callChange {
		changed := applyStatusDetails(c, u)
		if next.IsTerminal() {
			if c.Finish(next, m.now()) {
				if end, ok := carrierEnd(c, u); ok {
					c.EndTime = &end
				}
				return callChange{save: true, ended: true, event: events.CallEnded, reason: u.Status}
			}
		} else if c.State.CanAdvance(next) {
			c.State = next
			changed = true
		}
		if !changed {
			return callChange{}
		}
		return callChange{save: true, event: events.CallStatus, reason: u.Status}
	})

	if ch.ended {
		m.detachCall(ctx, snap)
	} else if snap.SessionID != "" {
		_ = m.Touch(snap.SessionID)
	}
	return snap, nil
}

// reconcileCall folds the carrier's final report into a call that is already
// terminal. The terminal state itself never changes.
func (m *Manager) reconcileCall(ctx context.Context, call *types.PhoneCall, u telephony.StatusUpdate) *types.PhoneCall {
	snap, ch := m.applyCall(ctx, &liveCall{c: call}, func(c *types.PhoneCall) callChange {
		changed := applyStatusDetails(c, u)
		if end, ok := carrierEnd(c, u); ok && (c.EndTime == nil || !c.EndTime.Equal(end)) {
			c.EndTime = &end
			changed = true
		}
		if !changed {
			return callChange{}
		}
		return callChange{save: true, event: events.CallStatus, reason: "reconciled"}
	})
	if m.calls.takeUnconfirmed(snap.ID) {
		if d, ok := snap.Duration(); ok {
			m.metrics.RecordCallEnded(d)
		}
	}
	if ch.save {
		m.logger.Info("call reconciled", "call_id", snap.ID, "provider_call_id", snap.ProviderCallID, "status", u.Status)
	}
	return snap
}

// carrierEnd derives the end time from the carrier-reported duration.
func carrierEnd(c *types.PhoneCall, u telephony.StatusUpdate) (time.Time, bool) {
	if u.DurationSec == nil || *u.DurationSec < 0 {
		return time.Time{}, false
	}
	return c.StartTime.Add(time.Duration(*u.DurationSec * float64(time.Second))), true
}

func applyStatusDetails(c *types.PhoneCall, u telephony.StatusUpdate) bool {
	changed := false
	if u.RecordingURL != "" && u.RecordingURL != c.RecordingURL {
		c.RecordingURL = u.RecordingURL
		changed = true
	}
	if u.Cost != nil && (c.Cost == nil || *c.Cost != *u.Cost) {
		cost := *u.Cost
		c.Cost = &cost
		changed = true
	}
	return changed
}

// lookupCall finds a non-terminal call in memory, then in the store. A
// terminal stored call comes back as done; a non-terminal stored call (left
// over from a previous process) is adopted into the live table.
func (m *Manager) lookupCall(ctx context.Context, id string, byProvider bool) (lc *liveCall, done *types.PhoneCall, err error) {
	if byProvider {
		lc, ok := m.calls.getByProvider(id)
		if ok {
			return lc, nil, nil
		}
	} else if lc, ok := m.calls.get(id); ok {
		return lc, nil, nil
	}

	notFound := core.NewNotFoundError(fmt.Sprintf("call %q not found", id))
	if m.store == nil {
		return nil, nil, notFound
	}
	var c *types.PhoneCall
	if byProvider {
		c, err = m.store.GetCallByProviderID(ctx, id)
	} else {
		c, err = m.store.GetCall(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFound
	}
	if err != nil {
		m.logger.Error("call lookup failed", "call", id, "error", err)
		return nil, nil, core.NewAPIError("internal error")
	}
	if c.State.IsTerminal() {
		return nil, c, nil
	}
	return m.calls.add(&liveCall{c: c}, c.ID, c.ProviderCallID), nil, nil
}

// AcceptInboundCall opens a session for an answered inbound call. Repeated
// callbacks for the same carrier call return the existing session.
func (m *Manager) AcceptInboundCall(ctx context.Context, providerCallID, from, to string) (*types.VoiceSession, *types.PhoneCall, error) {
	if providerCallID == "" {
		return nil, nil, core.NewInvalidRequestErrorWithParam("provider call id is required", "CallSid")
	}
	if lc, ok := m.calls.getByProvider(providerCallID); ok {
		lc.mu.Lock()
		call := lc.c.Clone()
		lc.mu.Unlock()
		sess, err := m.Get(call.SessionID)
		if err != nil {
			return nil, nil, err
		}
		return sess, call, nil
	}

	from = strings.TrimSpace(from)
	if from == "" {
		from = "unknown"
	}
	sess, err := m.CreateSession(ctx, CreateParams{
		UserID:  "phone:" + from,
		Context: map[string]any{"channel": "phone", "from": from, "to": to},
	})
	if err != nil {
		return nil, nil, err
	}
	ls, ok := m.registry.Get(sess.ID)
	if !ok {
		return nil, nil, core.NewSessionNotFoundError(sess.ID)
	}

	call := &types.PhoneCall{
		ID:             m.newID(),
		SessionID:      sess.ID,
		ProviderCallID: providerCallID,
		From:           from,
		To:             to,
		Direction:      types.DirectionInbound,
		State:          types.CallAnswered,
		StartTime:      m.now(),
	}
	snap := call.Clone()
	m.calls.add(&liveCall{c: call}, call.ID, providerCallID)

	out, err := m.apply(ctx, ls, func(s *types.VoiceSession) (change, error) {
		ch := change{save: true}
		if err := m.moveTo(s, types.StateInCall, &ch); err != nil {
			return ch, err
		}
		s.ActiveCallID = snap.ID
		ch.writes = append(ch.writes, func(ctx context.Context) error { return m.store.SaveCall(ctx, snap) })
		ch.events = append([]emit{{events.CallStatus, callPayload{Call: snap, Reason: "inbound"}}}, ch.events...)
		return ch, nil
	})
	if err != nil {
		m.calls.remove(snap.ID, providerCallID)
		return nil, nil, err
	}
	m.logger.Info("inbound call accepted", "session_id", out.ID, "call_id", snap.ID, "provider_call_id", providerCallID)
	return out, snap, nil
}

// ActiveCalls returns the number of non-terminal calls held in memory.
func (m *Manager) ActiveCalls() int { return m.calls.len() }
