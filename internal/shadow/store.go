// Package shadow implements per-field, time-boxed local overrides that
// protect actively edited values from being clobbered by incoming remote
// state. A shadow never outlives its window; the background sweep bounds
// memory regardless of consumer behavior.
package shadow

import (
	"sync"
	"time"
)

// Key scopes a shadow to a single editable field. Item-level fields carry the
// item id; document-level globals use an empty ItemID with a reserved field
// name (title, startTime, timezone).
type Key struct {
	ItemID string
	Field  string
}

// ItemField builds the key for one cell of a rundown row.
func ItemField(itemID, field string) Key {
	return Key{ItemID: itemID, Field: field}
}

// Global builds the key for a document-level field.
func Global(field string) Key {
	return Key{Field: field}
}

type entry struct {
	value    string
	touched  time.Time
	isActive bool
}

type Config struct {
	// ActiveWindow bounds how long IsActive reports true after the last Set,
	// independent of (and at most) any retrieval maxAge.
	ActiveWindow time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// HardCeiling is the age past which the sweep evicts an entry outright.
	HardCeiling time.Duration
}

func (c *Config) fill() {
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 1500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = 10 * time.Second
	}
}

type Store struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry

	done chan struct{}
	once sync.Once
}

func New(cfg Config) *Store {
	cfg.fill()
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[Key]*entry),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweep. The store remains usable afterwards but
// nothing evicts entries anymore.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

// Set records or overwrites a shadow for key and resets its age. There is no
// merging: the newest value wins wholesale.
func (s *Store) Set(key Key, value string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{value: value, touched: s.now(), isActive: active}
}

// Get returns the shadowed value if the entry is younger than maxAge.
func (s *Store) Get(key Key, maxAge time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if s.now().Sub(e.touched) > maxAge {
		return "", false
	}
	return e.value, true
}

// IsActive reports whether the field is under live edit protection: the
// entry must be flagged active and younger than the active window.
func (s *Store) IsActive(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.isActive {
		return false
	}
	return s.now().Sub(e.touched) <= s.cfg.ActiveWindow
}

// MarkInactive drops the live-edit flag (field blur) without discarding the
// value; Get still serves it until maxAge.
func (s *Store) MarkInactive(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.isActive = false
	}
}

// Clear drops every shadow.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]*entry)
}

// ActiveKeys returns the keys currently under live edit protection, for the
// resolver's prefer-local pass.
func (s *Store) ActiveKeys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.entries))
	now := s.now()
	for key, e := range s.entries {
		if e.isActive && now.Sub(e.touched) <= s.cfg.ActiveWindow {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.entries {
		if now.Sub(e.touched) > s.cfg.HardCeiling {
			delete(s.entries, key)
		}
	}
}
