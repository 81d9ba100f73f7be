package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vrlink/internal/logger"
	"vrlink/internal/scheduler"
	"vrlink/pkg/models"
)

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []message
	closed bool
	err    error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic, payload})
	return nil
}

func (p *fakePublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

type fakeSource struct {
	mu sync.Mutex
	st scheduler.Stats
}

func (s *fakeSource) Stats() scheduler.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *fakeSource) set(st scheduler.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

func TestReporter_snapshot(t *testing.T) {
	src := &fakeSource{}
	pub := &fakePublisher{}
	r := NewReporter(pub, src, "", time.Second, logger.Discard())

	start := time.Now()
	if _, ok := r.snapshot(start); ok {
		t.Fatal("expected no snapshot without a session")
	}

	src.set(scheduler.Stats{
		SessionID:   "s1",
		Transmitted: 100,
		Dropped:     3,
		Drops:       map[models.DropReason]uint64{models.DropEncodeTimeout: 3},
		Budget:      models.FrameBudget{TargetBitrate: 30_000_000, NetworkRTTMs: 4.5},
	})
	first, ok := r.snapshot(start)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if first.FPS != 0 {
		t.Errorf("first FPS = %v, want 0", first.FPS)
	}
	if first.Drops["encode_timeout"] != 3 || first.TargetBitrate != 30_000_000 {
		t.Errorf("snapshot = %+v", first)
	}

	src.set(scheduler.Stats{SessionID: "s1", Transmitted: 172})
	second, _ := r.snapshot(start.Add(time.Second))
	if second.FPS != 72 {
		t.Errorf("FPS = %v, want 72", second.FPS)
	}
}

func TestReporter_publishesPerSessionTopic(t *testing.T) {
	src := &fakeSource{}
	src.set(scheduler.Stats{SessionID: "abc", Transmitted: 5})
	pub := &fakePublisher{}
	r := NewReporter(pub, src, "vrlink/stats", 10*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for telemetry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}

	msgs := pub.messages()
	if msgs[0].topic != "vrlink/stats/abc" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	var snap Snapshot
	if err := json.Unmarshal(msgs[0].payload, &snap); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if snap.SessionID != "abc" || snap.Transmitted != 5 {
		t.Errorf("snapshot = %+v", snap)
	}

	pub.mu.Lock()
	closed := pub.closed
	pub.mu.Unlock()
	if !closed {
		t.Error("publisher not closed on shutdown")
	}
}

func TestReporter_publishErrorsAreNotFatal(t *testing.T) {
	src := &fakeSource{}
	src.set(scheduler.Stats{SessionID: "s1"})
	pub := &fakePublisher{err: ErrNotConnected}
	r := NewReporter(pub, src, "", time.Second, logger.Discard())

	r.publish(time.Now())
	if len(pub.messages()) != 0 {
		t.Error("unexpected message")
	}
}

func TestReporter_nilWhenDisabled(t *testing.T) {
	r := NewReporter(nil, &fakeSource{}, "", 0, logger.Discard())
	if r != nil {
		t.Fatal("expected nil reporter without a publisher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v", err)
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("brokerURL = %q", got)
	}
	if got := brokerURL("ssl://broker:8883"); got != "ssl://broker:8883" {
		t.Errorf("brokerURL = %q", got)
	}
}
