// Package showcaller replicates play/pause/seek state across clients with a
// single active controller. Followers never self-advance: they reconcile
// their local countdown against the controller's broadcast snapshots.
package showcaller

import (
	"sync"
	"time"

	"cueline/api/internal/broadcast"
	"cueline/api/internal/store"
	"cueline/api/internal/timing"
)

type State string

const (
	StateStopped State = "STOPPED"
	StatePlaying State = "PLAYING"
	StatePaused  State = "PAUSED"
)

// Snapshot actions.
const (
	ActionPlay     = "play"
	ActionPause    = "pause"
	ActionForward  = "forward"
	ActionBackward = "backward"
	ActionAdvance  = "advance"
	ActionResync   = "resync"
)

type Config struct {
	// TickInterval is the countdown resolution. 1s in production.
	TickInterval time.Duration
	// ResyncInterval bounds drift between controller and followers while
	// playing, even without user action.
	ResyncInterval time.Duration
}

func (c *Config) fill() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
}

// Broadcaster sends a snapshot to the other clients. Fire-and-forget.
type Broadcaster func(broadcast.ShowcallerSnapshot)

type Engine struct {
	clientID  string
	cfg       Config
	broadcast Broadcaster
	now       func() time.Time

	mu            sync.Mutex
	items         []store.Item
	state         State
	currentID     string
	timeRemaining int
	playbackStart time.Time
	controllerID  string
	timerGen      int
	sinceResync   time.Duration
	closed        bool
}

func New(clientID string, cfg Config, b Broadcaster) *Engine {
	cfg.fill()
	if b == nil {
		b = func(broadcast.ShowcallerSnapshot) {}
	}
	return &Engine{
		clientID:  clientID,
		cfg:       cfg,
		broadcast: b,
		now:       time.Now,
		state:     StateStopped,
	}
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.timerGen++
}

// SetItems refreshes the engine's view of the rundown rows (order matters;
// headers are never playable segments).
func (e *Engine) SetItems(items []store.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = make([]store.Item, len(items))
	copy(e.items, items)
}

// Play starts (or resumes) playback. An empty segmentID defaults to the
// current segment, or to the first regular item when none is active. The
// caller becomes controller: control is whoever-last-broadcast wins.
func (e *Engine) Play(segmentID string) {
	e.mu.Lock()
	if segmentID == "" {
		segmentID = e.currentID
	}
	if segmentID == "" {
		if first := e.firstRegularLocked(); first != nil {
			segmentID = first.ID
		}
	}
	if segmentID == "" {
		e.mu.Unlock()
		return
	}

	resuming := e.state == StatePaused && segmentID == e.currentID
	e.currentID = segmentID
	e.applyStatusesLocked(segmentID)
	if !resuming {
		e.timeRemaining = e.segmentDurationLocked(segmentID)
	}
	e.state = StatePlaying
	e.playbackStart = e.now()
	e.controllerID = e.clientID
	e.startTimerLocked()
	snap := e.snapshotLocked(ActionPlay)
	e.mu.Unlock()

	e.broadcast(snap)
}

// Pause stops the local countdown and broadcasts.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.controllerID = e.clientID
	e.stopTimerLocked()
	snap := e.snapshotLocked(ActionPause)
	e.mu.Unlock()

	e.broadcast(snap)
}

// Forward moves to the next regular item, skipping headers.
func (e *Engine) Forward() {
	e.seek(+1, ActionForward)
}

// Backward moves to the previous regular item, skipping headers.
func (e *Engine) Backward() {
	e.seek(-1, ActionBackward)
}

func (e *Engine) seek(direction int, action string) {
	e.mu.Lock()
	next := e.adjacentRegularLocked(e.currentID, direction)
	if next == nil {
		e.mu.Unlock()
		return
	}
	e.currentID = next.ID
	e.applyStatusesLocked(next.ID)
	e.timeRemaining = e.segmentDurationLocked(next.ID)
	e.controllerID = e.clientID
	if e.state == StatePlaying {
		e.playbackStart = e.now()
		e.startTimerLocked()
	}
	snap := e.snapshotLocked(action)
	e.mu.Unlock()

	e.broadcast(snap)
}

// ApplyRemote reconciles this client against another controller's snapshot.
// The local timer stops, the incoming segment and status fan-out apply, and
// when the remote is playing the countdown restarts from a drift-corrected
// remaining time: nominal duration minus wall-clock elapsed since the
// remote's playback start. The remote's own TimeRemaining is never trusted
// verbatim; transport latency and clock drift would both skew it.
func (e *Engine) ApplyRemote(snap broadcast.ShowcallerSnapshot) {
	e.mu.Lock()
	e.stopTimerLocked()
	e.controllerID = snap.ControllerID
	e.currentID = snap.CurrentSegmentID
	e.clearStatusesLocked()
	if snap.CurrentSegmentID != "" {
		e.applyStatusesLocked(snap.CurrentSegmentID)
	}

	if !snap.IsPlaying {
		if snap.CurrentSegmentID == "" {
			e.state = StateStopped
		} else {
			e.state = StatePaused
		}
		e.timeRemaining = snap.TimeRemaining
		e.mu.Unlock()
		return
	}

	e.state = StatePlaying
	e.playbackStart = time.UnixMilli(snap.PlaybackStartTime)
	nominal := e.segmentDurationLocked(snap.CurrentSegmentID)
	corrected := nominal - timing.ElapsedSeconds(e.now(), e.playbackStart)
	if corrected < 0 {
		corrected = 0
	}
	e.timeRemaining = corrected
	e.startTimerLocked()
	e.mu.Unlock()
}

func (e *Engine) Snapshot() broadcast.ShowcallerSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked("")
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) CurrentSegmentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

func (e *Engine) TimeRemaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeRemaining
}

// Items returns the rows with their playback statuses applied.
func (e *Engine) Items() []store.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]store.Item, len(e.items))
	copy(items, e.items)
	return items
}

func (e *Engine) snapshotLocked(action string) broadcast.ShowcallerSnapshot {
	return broadcast.ShowcallerSnapshot{
		IsPlaying:         e.state == StatePlaying,
		CurrentSegmentID:  e.currentID,
		TimeRemaining:     e.timeRemaining,
		PlaybackStartTime: e.playbackStart.UnixMilli(),
		ControllerID:      e.controllerID,
		Action:            action,
	}
}

func (e *Engine) firstRegularLocked() *store.Item {
	for idx := range e.items {
		if e.items[idx].Type == store.ItemTypeRegular {
			return &e.items[idx]
		}
	}
	return nil
}

func (e *Engine) adjacentRegularLocked(fromID string, direction int) *store.Item {
	if fromID == "" {
		return e.firstRegularLocked()
	}
	from := -1
	for idx := range e.items {
		if e.items[idx].ID == fromID {
			from = idx
			break
		}
	}
	if from < 0 {
		return e.firstRegularLocked()
	}
	for idx := from + direction; idx >= 0 && idx < len(e.items); idx += direction {
		if e.items[idx].Type == store.ItemTypeRegular {
			return &e.items[idx]
		}
	}
	return nil
}

func (e *Engine) segmentDurationLocked(segmentID string) int {
	for idx := range e.items {
		if e.items[idx].ID == segmentID {
			seconds, err := timing.ParseDuration(e.items[idx].Duration)
			if err != nil {
				return 0
			}
			return seconds
		}
	}
	return 0
}

func (e *Engine) applyStatusesLocked(currentID string) {
	current := -1
	for idx := range e.items {
		if e.items[idx].ID == currentID {
			current = idx
			break
		}
	}
	if current < 0 {
		return
	}
	for idx := range e.items {
		switch {
		case idx < current:
			e.items[idx].Status = store.ItemStatusCompleted
		case idx == current:
			e.items[idx].Status = store.ItemStatusCurrent
		default:
			e.items[idx].Status = store.ItemStatusUpcoming
		}
	}
}

func (e *Engine) clearStatusesLocked() {
	for idx := range e.items {
		e.items[idx].Status = ""
	}
}

// startTimerLocked replaces the countdown timer atomically: the generation
// bump invalidates any previous timer goroutine before the new one starts,
// so two countdowns never run side by side.
func (e *Engine) startTimerLocked() {
	e.timerGen++
	if e.closed {
		return
	}
	gen := e.timerGen
	e.sinceResync = 0
	go e.run(gen)
}

func (e *Engine) stopTimerLocked() {
	e.timerGen++
}

func (e *Engine) run(gen int) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !e.tick(gen) {
			return
		}
	}
}

// tick advances the countdown one second. Returns false once this timer
// generation has been superseded.
func (e *Engine) tick(gen int) bool {
	var snap *broadcast.ShowcallerSnapshot
	e.mu.Lock()
	if gen != e.timerGen || e.state != StatePlaying {
		e.mu.Unlock()
		return false
	}

	if e.timeRemaining > 0 {
		e.timeRemaining--
	}

	controller := e.controllerID == e.clientID
	if e.timeRemaining <= 0 {
		if !controller {
			// Followers hold at zero and wait for the controller's
			// broadcast; self-advancing would fork the show.
			e.mu.Unlock()
			return true
		}
		next := e.adjacentRegularLocked(e.currentID, +1)
		if next == nil {
			e.state = StateStopped
			e.stopTimerLocked()
			s := e.snapshotLocked(ActionPause)
			e.mu.Unlock()
			e.broadcast(s)
			return false
		}
		e.currentID = next.ID
		e.applyStatusesLocked(next.ID)
		e.timeRemaining = e.segmentDurationLocked(next.ID)
		e.playbackStart = e.now()
		e.sinceResync = 0
		s := e.snapshotLocked(ActionAdvance)
		snap = &s
	} else if controller {
		e.sinceResync += e.cfg.TickInterval
		if e.sinceResync >= e.cfg.ResyncInterval {
			e.sinceResync = 0
			s := e.snapshotLocked(ActionResync)
			snap = &s
		}
	}
	e.mu.Unlock()

	if snap != nil {
		e.broadcast(*snap)
	}
	return true
}
