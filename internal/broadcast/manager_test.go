package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisManager(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m := New(NewRedisTransport(client), cfg)
	t.Cleanup(m.Close)
	return m, mr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishReachesSubscriber(t *testing.T) {
	m, _ := newRedisManager(t, Config{})
	topic := Topic("rd_1", StreamCell)

	var mu sync.Mutex
	var received []Message
	unsubscribe := m.Subscribe(topic, func(msg Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	defer unsubscribe()

	waitFor(t, 2*time.Second, func() bool {
		return m.Status(topic).Connected
	})

	msg := Message{
		RundownID: "rd_1",
		SenderID:  "client-a",
		Timestamp: time.Now().UnixMilli(),
		ChangeID:  "ch-1",
		Kind:      KindCellUpdate,
		Cell:      &CellUpdate{ItemID: "it_1", Field: "script", Value: "B"},
	}
	if err := m.Publish(context.Background(), topic, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.ChangeID != "ch-1" || got.Cell == nil || got.Cell.Value != "B" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestEnsureChannelIsIdempotent(t *testing.T) {
	m, _ := newRedisManager(t, Config{})
	a := m.EnsureChannel(Topic("rd_1", StreamContent))
	b := m.EnsureChannel(Topic("rd_1", StreamContent))
	if a != b {
		t.Fatal("expected one channel per topic")
	}
}

// failingTransport rejects every subscribe attempt.
type failingTransport struct {
	mu       sync.Mutex
	attempts int
}

func (f *failingTransport) Publish(context.Context, string, []byte) error {
	return errors.New("transport down")
}

func (f *failingTransport) Subscribe(context.Context, string) (Subscription, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	return nil, errors.New("transport down")
}

func (f *failingTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestRepeatedFailuresTriggerNuclearReset(t *testing.T) {
	ft := &failingTransport{}
	m := New(ft, Config{
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      2 * time.Millisecond,
		ReconnectDebounce: time.Millisecond,
		FailureLimit:      3,
		FailureWindow:     time.Minute,
	})
	defer m.Close()

	ch := m.EnsureChannel(Topic("rd_1", StreamContent))
	waitFor(t, 2*time.Second, func() bool {
		return ch.Generation() >= 1
	})
	if status := ch.Status(); status.Connected {
		t.Fatalf("expected disconnected status, got %+v", status)
	}
	if ft.count() < 3 {
		t.Fatalf("expected at least 3 subscribe attempts, got %d", ft.count())
	}
}

// stubSubscription hands the test direct control over what the pump receives.
type stubSubscription struct {
	msgs chan []byte
}

func (s *stubSubscription) Messages() <-chan []byte { return s.msgs }
func (s *stubSubscription) Close() error            { return nil }

func TestSupersededGenerationDropsLateDelivery(t *testing.T) {
	ch := newChannel(Topic("rd_1", StreamCell), nil, Config{})

	var mu sync.Mutex
	var received []Message
	ch.subscribe(func(msg Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	encode := func(changeID string) []byte {
		t.Helper()
		payload, err := Message{
			RundownID: "rd_1",
			SenderID:  "cli_b",
			Timestamp: time.Now().UnixMilli(),
			ChangeID:  changeID,
			Kind:      KindCellUpdate,
			Cell:      &CellUpdate{ItemID: "it_1", Field: "script", Value: "B"},
		}.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return payload
	}

	sub := &stubSubscription{msgs: make(chan []byte, 2)}
	pumpDone := make(chan struct{})
	go func() {
		ch.pump(context.Background(), 0, sub)
		close(pumpDone)
	}()

	// Generation 0 is live: deliveries reach handlers.
	sub.msgs <- encode("ch-1")
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	// The channel is rebuilt under a new generation, as a nuclear reset
	// does. A delivery still in flight for the old run must be dropped and
	// the old pump must stand down.
	ch.mu.Lock()
	ch.generation++
	ch.mu.Unlock()
	sub.msgs <- encode("ch-2")

	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded pump kept running")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("stale delivery reached handlers: %d messages", len(received))
	}
}

func TestSubscriptionCloseUnblocksFullBuffer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	transport := NewRedisTransport(client)

	sub, err := transport.Subscribe(context.Background(), Topic("rd_1", StreamCell))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Nobody reads: overrun the forwarding buffer so the pump ends up
	// blocked mid-send.
	for i := 0; i < 100; i++ {
		if err := client.Publish(context.Background(), Topic("rd_1", StreamCell), "payload").Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(sub.Messages()) == cap(sub.Messages())
	})

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The pump must wind down and close its channel behind the backlog.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("messages channel never closed after Close")
		}
	}
}

func TestAuthExpiredDefersReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var mu sync.Mutex
	expired := true
	m := New(NewRedisTransport(client), Config{
		ReconnectBase:     time.Millisecond,
		ReconnectDebounce: time.Millisecond,
		TokenCheck: func() error {
			mu.Lock()
			defer mu.Unlock()
			if expired {
				return ErrAuthExpired
			}
			return nil
		},
	})
	defer m.Close()

	topic := Topic("rd_1", StreamContent)
	m.EnsureChannel(topic)

	waitFor(t, 2*time.Second, func() bool {
		return m.Status(topic).Status == StatusAuthExpired
	})
	// Parked on the token gate: failures must not accumulate while waiting.
	if failures := m.Status(topic).ConsecutiveFailures; failures != 0 {
		t.Fatalf("auth deferral advanced the failure count: %d failures", failures)
	}

	mu.Lock()
	expired = false
	mu.Unlock()
	m.TokenRefreshed()

	waitFor(t, 2*time.Second, func() bool {
		return m.Status(topic).Connected
	})
}

func TestAggregateHealth(t *testing.T) {
	m, _ := newRedisManager(t, Config{})

	if m.AggregateHealth("rd_1").Connected {
		t.Fatal("no channels yet: expected disconnected aggregate")
	}

	m.EnsureChannel(Topic("rd_1", StreamContent))
	m.EnsureChannel(Topic("rd_1", StreamShowcaller))
	waitFor(t, 2*time.Second, func() bool {
		return m.AggregateHealth("rd_1").Connected
	})
}

func TestStatusListenerObservesConnect(t *testing.T) {
	m, _ := newRedisManager(t, Config{})
	statuses := make(chan Status, 8)
	m.SetStatusListener(func(topic string, status Status) {
		if topic == Topic("rd_1", StreamCell) {
			statuses <- status
		}
	})
	m.EnsureChannel(Topic("rd_1", StreamCell))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status == StatusSubscribed {
				return
			}
		case <-deadline:
			t.Fatal("listener never saw the subscribed transition")
		}
	}
}

func TestParseTopic(t *testing.T) {
	rundownID, stream, ok := ParseTopic(Topic("rd_1", StreamShowcaller))
	if !ok || rundownID != "rd_1" || stream != StreamShowcaller {
		t.Fatalf("ParseTopic round trip: %q %q %v", rundownID, stream, ok)
	}
	if _, _, ok := ParseTopic("not-a-topic"); ok {
		t.Fatal("malformed topic accepted")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"rundownId":"rd_1","kind":"mystery"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestEncodeRequiresPayloadForKind(t *testing.T) {
	_, err := Message{RundownID: "rd_1", Kind: KindShowcaller}.Encode()
	if err == nil {
		t.Fatal("expected error for showcaller message without snapshot")
	}
}
