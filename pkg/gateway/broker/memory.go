package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Backend for single-replica deployments and tests.
// Slow subscribers lose messages rather than blocking publishers.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]*memSub
	nextID int
	closed bool

	audioMu sync.Mutex
	audio   map[string]audioEntry
	now     func() time.Time
}

type memSub struct {
	pattern string
	ch      chan Message
}

type audioEntry struct {
	data    []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs:  make(map[int]*memSub),
		audio: make(map[string]audioEntry),
		now:   time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, context.Canceled
	}
	id := m.nextID
	m.nextID++
	s := &memSub{pattern: pattern, ch: make(chan Message, subscriberBuffer)}
	m.subs[id] = s
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(s.ch)
			}
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return s.ch, cancel, nil
}

func (m *Memory) PutAudio(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	now := m.now()
	for k, e := range m.audio {
		if !e.expires.After(now) {
			delete(m.audio, k)
		}
	}
	m.audio[key] = audioEntry{data: append([]byte(nil), data...), expires: now.Add(ttl)}
	return nil
}

func (m *Memory) GetAudio(_ context.Context, key string) ([]byte, error) {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	e, ok := m.audio[key]
	if !ok || !e.expires.After(m.now()) {
		delete(m.audio, key)
		return nil, ErrCacheMiss
	}
	return e.data, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		delete(m.subs, id)
		close(s.ch)
	}
	return nil
}
