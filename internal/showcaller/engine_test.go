package showcaller

import (
	"sync"
	"testing"
	"time"

	"cueline/api/internal/broadcast"
	"cueline/api/internal/store"
)

func testItems() []store.Item {
	return []store.Item{
		{ID: "hd_1", Type: store.ItemTypeHeader, Name: "Part one"},
		{ID: "it_1", Type: store.ItemTypeRegular, Name: "Open", Duration: "00:00:30"},
		{ID: "it_2", Type: store.ItemTypeRegular, Name: "Weather", Duration: "00:00:02"},
		{ID: "hd_2", Type: store.ItemTypeHeader, Name: "Part two"},
		{ID: "it_3", Type: store.ItemTypeRegular, Name: "Sports", Duration: "00:01:00"},
	}
}

type captureBroadcaster struct {
	mu    sync.Mutex
	snaps []broadcast.ShowcallerSnapshot
}

func (c *captureBroadcaster) send(snap broadcast.ShowcallerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
}

func (c *captureBroadcaster) last() (broadcast.ShowcallerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return broadcast.ShowcallerSnapshot{}, false
	}
	return c.snaps[len(c.snaps)-1], true
}

func newTestEngine(clientID string, b Broadcaster) *Engine {
	e := New(clientID, Config{TickInterval: time.Hour}, b) // manual ticks only
	e.SetItems(testItems())
	return e
}

func TestPlayDefaultsToFirstRegularItem(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("ctrl", cb.send)
	defer e.Close()

	e.Play("")
	if e.CurrentSegmentID() != "it_1" {
		t.Fatalf("current = %q, want first regular item", e.CurrentSegmentID())
	}
	if e.State() != StatePlaying {
		t.Fatalf("state = %q", e.State())
	}
	if e.TimeRemaining() != 30 {
		t.Fatalf("timeRemaining = %d, want 30", e.TimeRemaining())
	}

	snap, ok := cb.last()
	if !ok || snap.Action != ActionPlay || snap.ControllerID != "ctrl" || !snap.IsPlaying {
		t.Fatalf("broadcast snapshot = %+v", snap)
	}

	items := e.Items()
	if items[0].Status != store.ItemStatusCompleted || items[1].Status != store.ItemStatusCurrent || items[2].Status != store.ItemStatusUpcoming {
		t.Fatalf("status fan-out wrong: %+v", items)
	}
}

func TestForwardSkipsHeaders(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("ctrl", cb.send)
	defer e.Close()

	e.Play("it_2")
	e.Forward()
	if e.CurrentSegmentID() != "it_3" {
		t.Fatalf("current = %q, headers must be skipped", e.CurrentSegmentID())
	}
	if e.TimeRemaining() != 60 {
		t.Fatalf("timeRemaining = %d, want recomputed 60", e.TimeRemaining())
	}

	e.Backward()
	if e.CurrentSegmentID() != "it_2" {
		t.Fatalf("current = %q after backward", e.CurrentSegmentID())
	}
}

func TestPauseStopsCountdownAndResumeKeepsRemaining(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("ctrl", cb.send)
	defer e.Close()

	e.Play("it_1")
	gen := func() int { e.mu.Lock(); defer e.mu.Unlock(); return e.timerGen }()
	e.tick(gen)
	e.tick(gen)
	if e.TimeRemaining() != 28 {
		t.Fatalf("timeRemaining = %d, want 28", e.TimeRemaining())
	}

	e.Pause()
	if e.State() != StatePaused {
		t.Fatalf("state = %q", e.State())
	}
	// The old generation is superseded: further ticks are inert.
	if e.tick(gen) {
		t.Fatal("stale tick must report superseded")
	}
	if e.TimeRemaining() != 28 {
		t.Fatalf("paused countdown moved: %d", e.TimeRemaining())
	}

	e.Play("")
	if e.TimeRemaining() != 28 {
		t.Fatalf("resume reset remaining: %d", e.TimeRemaining())
	}
}

func TestControllerAdvancesAtExpiry(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("ctrl", cb.send)
	defer e.Close()

	e.Play("it_2") // 2 seconds
	gen := func() int { e.mu.Lock(); defer e.mu.Unlock(); return e.timerGen }()
	e.tick(gen)
	e.tick(gen)

	if e.CurrentSegmentID() != "it_3" {
		t.Fatalf("current = %q, controller must advance past expiry", e.CurrentSegmentID())
	}
	snap, _ := cb.last()
	if snap.Action != ActionAdvance || snap.CurrentSegmentID != "it_3" {
		t.Fatalf("advance snapshot = %+v", snap)
	}
}

func TestFollowerNeverSelfAdvances(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("follower", cb.send)
	defer e.Close()

	// Another client is controlling; this engine is just mirroring.
	e.ApplyRemote(broadcast.ShowcallerSnapshot{
		IsPlaying:         true,
		CurrentSegmentID:  "it_2",
		PlaybackStartTime: time.Now().UnixMilli(),
		ControllerID:      "ctrl",
	})

	gen := func() int { e.mu.Lock(); defer e.mu.Unlock(); return e.timerGen }()
	for i := 0; i < 5; i++ {
		e.tick(gen)
	}
	if e.CurrentSegmentID() != "it_2" {
		t.Fatalf("follower advanced to %q on its own", e.CurrentSegmentID())
	}
	if e.TimeRemaining() != 0 {
		t.Fatalf("timeRemaining = %d, want held at 0", e.TimeRemaining())
	}
}

func TestApplyRemoteCorrectsForElapsedWallClock(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("follower", cb.send)
	defer e.Close()

	// Controller started a 30s segment 10s ago; the broadcast claims a stale
	// TimeRemaining of 30.
	e.ApplyRemote(broadcast.ShowcallerSnapshot{
		IsPlaying:         true,
		CurrentSegmentID:  "it_1",
		TimeRemaining:     30,
		PlaybackStartTime: time.Now().Add(-10 * time.Second).UnixMilli(),
		ControllerID:      "ctrl",
	})

	got := e.TimeRemaining()
	if got < 19 || got > 21 {
		t.Fatalf("corrected timeRemaining = %d, want ~20", got)
	}
	if e.State() != StatePlaying {
		t.Fatalf("state = %q", e.State())
	}
}

func TestApplyRemoteClampsFutureStartTime(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("follower", cb.send)
	defer e.Close()

	// Remote clock ahead of ours: elapsed computes negative and must clamp.
	e.ApplyRemote(broadcast.ShowcallerSnapshot{
		IsPlaying:         true,
		CurrentSegmentID:  "it_1",
		PlaybackStartTime: time.Now().Add(5 * time.Second).UnixMilli(),
		ControllerID:      "ctrl",
	})
	if got := e.TimeRemaining(); got != 30 {
		t.Fatalf("timeRemaining = %d, want full 30 with clamped elapsed", got)
	}
}

func TestApplyRemotePauseStopsTimer(t *testing.T) {
	cb := &captureBroadcaster{}
	e := newTestEngine("follower", cb.send)
	defer e.Close()

	e.Play("it_1")
	e.ApplyRemote(broadcast.ShowcallerSnapshot{
		IsPlaying:        false,
		CurrentSegmentID: "it_1",
		TimeRemaining:    12,
		ControllerID:     "ctrl",
	})
	if e.State() != StatePaused {
		t.Fatalf("state = %q", e.State())
	}
	if e.TimeRemaining() != 12 {
		t.Fatalf("timeRemaining = %d", e.TimeRemaining())
	}
	if e.Snapshot().ControllerID != "ctrl" {
		t.Fatalf("controller = %q, want remote", e.Snapshot().ControllerID)
	}
}

func TestResyncBroadcastWhilePlaying(t *testing.T) {
	cb := &captureBroadcaster{}
	e := New("ctrl", Config{TickInterval: time.Hour, ResyncInterval: 2 * time.Hour}, cb.send)
	defer e.Close()
	e.SetItems(testItems())

	e.Play("it_1")
	gen := func() int { e.mu.Lock(); defer e.mu.Unlock(); return e.timerGen }()
	e.tick(gen) // 1h since resync
	e.tick(gen) // 2h: resync due

	snap, _ := cb.last()
	if snap.Action != ActionResync {
		t.Fatalf("last action = %q, want resync", snap.Action)
	}
}
