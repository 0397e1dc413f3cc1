// Package broadcast maintains one pub/sub channel per rundown topic,
// multiplexes local subscribers onto it, tracks connection health, and
// regenerates channels after transport failures.
package broadcast

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusConnecting   Status = "CONNECTING"
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusAuthExpired  Status = "AUTH_EXPIRED"
)

// The three logical streams a client holds per rundown.
const (
	StreamContent    = "content"
	StreamCell       = "cell"
	StreamShowcaller = "showcaller"
)

func Topic(rundownID, stream string) string {
	return "rundown:" + rundownID + ":" + stream
}

// ParseTopic is the inverse of Topic.
func ParseTopic(topic string) (rundownID, stream string, ok bool) {
	parts := strings.Split(topic, ":")
	if len(parts) != 3 || parts[0] != "rundown" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ErrAuthExpired is what a Config.TokenCheck returns when the session token
// is no longer valid. Reconnection is deferred until TokenRefreshed instead
// of retrying blindly, and the deferral does not advance the backoff.
var ErrAuthExpired = errors.New("auth expired")

type Handler func(Message)

type Config struct {
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectDebounce time.Duration
	// FailureLimit consecutive CHANNEL_ERROR/CLOSED transitions inside
	// FailureWindow trigger a nuclear reset: full teardown and rebuild under
	// a new generation.
	FailureLimit  int
	FailureWindow time.Duration
	// TokenCheck gates every (re)connect attempt. Nil means always valid.
	TokenCheck func() error
}

func (c *Config) fill() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.ReconnectDebounce <= 0 {
		c.ReconnectDebounce = time.Second
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 30 * time.Second
	}
}

type ChannelStatus struct {
	Connected           bool
	Status              Status
	Generation          uint64
	ConsecutiveFailures int
	LastCheckedAt       time.Time
}

// Health is the reconciled status across the channels a client holds.
type Health struct {
	Connected           bool
	ConsecutiveFailures int
	LastCheckedAt       time.Time
}

// StatusListener observes channel status transitions. It is called outside
// all manager and channel locks, so it may call back into the Manager.
type StatusListener func(topic string, status Status)

type Manager struct {
	transport Transport
	cfg       Config

	mu       sync.Mutex
	channels map[string]*Channel
	listener StatusListener
	closed   bool
}

func New(transport Transport, cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		transport: transport,
		cfg:       cfg,
		channels:  make(map[string]*Channel),
	}
}

// EnsureChannel returns the channel for topic, creating and starting it the
// first time. Idempotent: at most one channel exists per topic.
func (m *Manager) EnsureChannel(topic string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[topic]; ok {
		return ch
	}
	ch := newChannel(topic, m.transport, m.cfg)
	ch.setNotify(m.listener)
	m.channels[topic] = ch
	if !m.closed {
		ch.start()
	}
	return ch
}

// SetStatusListener registers fn to be told about every channel status
// transition, existing channels included. Call it before the first
// EnsureChannel to observe the initial connect.
func (m *Manager) SetStatusListener(fn StatusListener) {
	m.mu.Lock()
	m.listener = fn
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	for _, ch := range channels {
		ch.setNotify(fn)
	}
}

// Publish encodes and sends msg on the topic. Fire-and-forget: a nil return
// does not guarantee delivery. A transport failure nudges the channel into
// its reconnect path.
func (m *Manager) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	ch := m.EnsureChannel(topic)
	if err := m.transport.Publish(ctx, topic, payload); err != nil {
		ch.noteFailure(StatusChannelError)
		ch.requestReconnect()
		return err
	}
	return nil
}

// Subscribe registers a local handler for the topic and returns its
// unsubscribe function.
func (m *Manager) Subscribe(topic string, handler Handler) func() {
	return m.EnsureChannel(topic).subscribe(handler)
}

func (m *Manager) Status(topic string) ChannelStatus {
	m.mu.Lock()
	ch, ok := m.channels[topic]
	m.mu.Unlock()
	if !ok {
		return ChannelStatus{Status: StatusClosed}
	}
	return ch.Status()
}

// AggregateHealth reconciles the content, cell and showcaller channels of a
// rundown into one status: connected only when every started channel is
// subscribed, failure count and check time taken from the worst/latest.
func (m *Manager) AggregateHealth(rundownID string) Health {
	health := Health{Connected: true}
	seen := false
	for _, stream := range []string{StreamContent, StreamCell, StreamShowcaller} {
		m.mu.Lock()
		ch, ok := m.channels[Topic(rundownID, stream)]
		m.mu.Unlock()
		if !ok {
			continue
		}
		seen = true
		st := ch.Status()
		if !st.Connected {
			health.Connected = false
		}
		if st.ConsecutiveFailures > health.ConsecutiveFailures {
			health.ConsecutiveFailures = st.ConsecutiveFailures
		}
		if st.LastCheckedAt.After(health.LastCheckedAt) {
			health.LastCheckedAt = st.LastCheckedAt
		}
	}
	if !seen {
		health.Connected = false
	}
	return health
}

// TokenRefreshed signals every channel deferring on an expired session token
// that it may attempt reconnection again.
func (m *Manager) TokenRefreshed() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	for _, ch := range channels {
		ch.tokenRefreshed()
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	for _, ch := range channels {
		ch.close()
	}
}

type subscriber struct {
	id      int
	handler Handler
}

type Channel struct {
	topic     string
	transport Transport
	cfg       Config

	mu           sync.Mutex
	notify       StatusListener
	generation   uint64
	status       Status
	failures     int
	failureTimes []time.Time
	lastChecked  time.Time
	subs         []subscriber
	nextSubID    int
	cancel       context.CancelFunc
	closed       bool

	reconnectCh chan struct{}
	tokenCh     chan struct{}
}

func newChannel(topic string, transport Transport, cfg Config) *Channel {
	return &Channel{
		topic:       topic,
		transport:   transport,
		cfg:         cfg,
		status:      StatusConnecting,
		reconnectCh: make(chan struct{}, 1),
		tokenCh:     make(chan struct{}, 1),
	}
}

func (c *Channel) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.generation
	go c.run(ctx, gen)
}

func (c *Channel) close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.status = StatusClosed
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) subscribe(handler Handler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: id, handler: handler})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStatus{
		Connected:           c.status == StatusSubscribed,
		Status:              c.status,
		Generation:          c.generation,
		ConsecutiveFailures: c.failures,
		LastCheckedAt:       c.lastChecked,
	}
}

// Generation returns the live generation counter. Callbacks capture the
// generation at dispatch time; anything holding an older generation is acting
// on a superseded channel and must not mutate state.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Channel) requestReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Channel) tokenRefreshed() {
	select {
	case c.tokenCh <- struct{}{}:
	default:
	}
}

func (c *Channel) setNotify(fn StatusListener) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *Channel) setStatus(status Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.lastChecked = time.Now()
	if status == StatusSubscribed {
		c.failures = 0
		c.failureTimes = nil
	}
	notify := c.notify
	c.mu.Unlock()
	if changed && notify != nil {
		notify(c.topic, status)
	}
}

func (c *Channel) noteFailure(status Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.failures++
	now := time.Now()
	c.lastChecked = now
	c.failureTimes = append(c.failureTimes, now)
	// Only failures inside the window count toward a nuclear reset.
	cutoff := now.Add(-c.cfg.FailureWindow)
	trimmed := c.failureTimes[:0]
	for _, ts := range c.failureTimes {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	c.failureTimes = trimmed
	notify := c.notify
	c.mu.Unlock()
	if changed && notify != nil {
		notify(c.topic, status)
	}
}

func (c *Channel) shouldReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failureTimes) >= c.cfg.FailureLimit
}

// nuclearReset tears the channel down entirely and rebuilds it under a new
// generation. The old run loop's context is cancelled, so its in-flight
// reconnect attempt is superseded, not merely ignored.
func (c *Channel) nuclearReset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.cancel
	c.generation++
	c.failures = 0
	c.failureTimes = nil
	c.status = StatusConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.generation
	c.mu.Unlock()

	if old != nil {
		old()
	}
	log.Printf("broadcast: nuclear reset on %s, generation %d", c.topic, gen)
	go c.run(ctx, gen)
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	backoff := c.cfg.ReconnectBase
	for {
		if ctx.Err() != nil || c.Generation() != gen {
			return
		}

		// The session token must still be valid before touching the
		// transport. An expired token parks the loop until a refresh signal
		// arrives; the wait does not advance backoff.
		if c.cfg.TokenCheck != nil {
			if err := c.cfg.TokenCheck(); err != nil {
				c.setStatus(StatusAuthExpired)
				select {
				case <-ctx.Done():
					return
				case <-c.tokenCh:
				}
				continue
			}
		}

		c.setStatus(StatusConnecting)
		sub, err := c.transport.Subscribe(ctx, c.topic)
		if err != nil {
			c.noteFailure(StatusChannelError)
			if c.shouldReset() {
				c.nuclearReset()
				return
			}
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.ReconnectCap)
			continue
		}

		c.setStatus(StatusSubscribed)
		backoff = c.cfg.ReconnectBase
		c.drainReconnect()

		c.pump(ctx, gen, sub)
		_ = sub.Close()
		if ctx.Err() != nil || c.Generation() != gen {
			return
		}

		c.noteFailure(StatusClosed)
		if c.shouldReset() {
			c.nuclearReset()
			return
		}
		if !c.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectCap)
	}
}

func (c *Channel) pump(ctx context.Context, gen uint64, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconnectCh:
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			// Staleness guard: a delivery racing a just-superseded channel
			// must not reach handlers.
			if c.Generation() != gen {
				return
			}
			msg, err := DecodeMessage(payload)
			if err != nil {
				continue
			}
			c.dispatch(msg)
		}
	}
}

func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.handler(msg)
	}
}

// sleep waits out the backoff period; bursts of reconnect requests landing
// during the wait collapse into the single attempt that follows.
func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	if d < c.cfg.ReconnectDebounce {
		d = c.cfg.ReconnectDebounce
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		c.drainReconnect()
		return true
	}
}

func (c *Channel) drainReconnect() {
	select {
	case <-c.reconnectCh:
	default:
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
