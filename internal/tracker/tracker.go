// Package tracker deduplicates a client's own broadcasts echoed back to it
// by the fan-out transport.
package tracker

import (
	"sync"
	"time"
)

type key struct {
	senderID  string
	timestamp int64
}

// Tracker remembers (senderID, timestamp) pairs for a fixed window. Distinct
// edits from the same sender carry distinct timestamps, so the composite key
// never collides across edits.
type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[key]time.Time

	done chan struct{}
	once sync.Once
}

func New(window, sweepInterval time.Duration) *Tracker {
	if window <= 0 {
		window = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	t := &Tracker{
		window:  window,
		now:     time.Now,
		entries: make(map[key]time.Time),
		done:    make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *Tracker) Track(senderID string, timestamp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key{senderID, timestamp}] = t.now()
}

func (t *Tracker) WasTracked(senderID string, timestamp int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.entries[key{senderID, timestamp}]
	if !ok {
		return false
	}
	return t.now().Sub(tracked) <= t.window
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, tracked := range t.entries {
		if now.Sub(tracked) > t.window {
			delete(t.entries, k)
		}
	}
}
