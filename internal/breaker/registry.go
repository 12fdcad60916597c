package breaker

import (
	"sort"
	"sync"
	"time"
)

// Names of the dependencies guarded by default.
const (
	Twilio   = "twilio"
	Proton   = "proton"
	Browser  = "browser"
	Database = "database"
)

type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{breakers: map[string]*Breaker{}}
}

// NewDefaultRegistry registers the standard external dependencies with default settings.
func NewDefaultRegistry(now func() time.Time) *Registry {
	r := NewRegistry()
	r.now = now
	for _, n := range []string{Twilio, Proton, Browser, Database} {
		r.Register(n, Config{})
	}
	return r
}

// Register creates (or replaces) the named breaker.
func (r *Registry) Register(name string, cfg Config) *Breaker {
	if cfg.Now == nil {
		cfg.Now = r.now
	}
	b := New(name, cfg)
	r.mu.Lock()
	r.breakers[name] = b
	r.mu.Unlock()
	return b
}

// Get returns the named breaker or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// States snapshots every breaker, sorted by name.
func (r *Registry) States() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
