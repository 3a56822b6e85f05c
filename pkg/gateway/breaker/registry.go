package breaker

import (
	"sort"
	"sync"
	"time"
)

// Stock dependency keys.
const (
	KeyTranscription = "transcription"
	KeySynthesis     = "synthesis"
	KeyTelephony     = "telephony"
)

// DefaultSettings returns the stock per-dependency settings.
func DefaultSettings() map[string]Settings {
	return map[string]Settings{
		KeyTranscription: {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		KeySynthesis:     {FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		KeyTelephony:     {FailureThreshold: 3, RecoveryTimeout: 120 * time.Second},
	}
}

// Registry hands out one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	settings map[string]Settings
	fallback Settings
	now      func() time.Time
	breakers map[string]*Breaker
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry. Keys missing from settings use fallback.
func NewRegistry(settings map[string]Settings, fallback Settings, now func() time.Time) *Registry {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Registry{
		settings: settings,
		fallback: fallback,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers a hook called after every transition of any
// breaker in the registry, including ones created later.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.mu.Lock()
		b.onChange = fn
		b.mu.Unlock()
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	s, ok := r.settings[key]
	if !ok {
		s = r.fallback
	}
	b := New(key, s, r.now)
	b.onChange = r.onChange
	r.breakers[key] = b
	return b
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
	Position State  `json:"-"`
}

// Snapshots returns every known breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		st := b.State()
		out = append(out, Snapshot{Name: b.Name(), State: st.String(), Failures: b.Failures(), Position: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update replaces the per-key settings. Existing breakers keep their state
// and counters but use the new thresholds from their next call on.
func (r *Registry) Update(settings map[string]Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	for key, b := range r.breakers {
		s, ok := settings[key]
		if !ok {
			s = r.fallback
		}
		b.updateSettings(s)
	}
}
