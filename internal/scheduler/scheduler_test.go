package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vrlink/internal/backend/sim"
	"vrlink/internal/bitrate"
	"vrlink/internal/logger"
	"vrlink/internal/poseclock"
	"vrlink/pkg/models"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []*models.EncodedFrame
	err    error
}

func (r *recordingSender) SendFrame(f *models.EncodedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSender) sent() []*models.EncodedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.EncodedFrame(nil), r.frames...)
}

func (r *recordingSender) waitFor(t *testing.T, n int) []*models.EncodedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.sent(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(r.sent()))
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	sched    *Scheduler
	renderer *sim.Renderer
	encoder  *sim.Encoder
	ctrl     *bitrate.Controller
	clock    *poseclock.Clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := poseclock.NewClock()
	bcfg := bitrate.DefaultConfig()
	bcfg.WarmupFrames = 0
	ctrl, err := bitrate.New(bcfg, logger.Discard())
	if err != nil {
		t.Fatalf("bitrate.New: %v", err)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxFrameAge == 0 {
		cfg.MaxFrameAge = time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = time.Hour
	}
	if cfg.RenderTimeout == 0 {
		cfg.RenderTimeout = 500 * time.Millisecond
	}
	if cfg.EncodeTimeout == 0 {
		cfg.EncodeTimeout = 500 * time.Millisecond
	}
	f := &fixture{
		renderer: sim.NewRenderer(),
		encoder:  &sim.Encoder{MaxPayload: 1024},
		ctrl:     ctrl,
		clock:    clock,
	}
	f.sched, err = New(cfg, Deps{
		Source:     poseclock.NewSyntheticSource(clock),
		Clock:      clock,
		Renderer:   f.renderer,
		Encoder:    f.encoder,
		Controller: ctrl,
		Logger:     logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wait := f.sched.startStages(ctx)
	t.Cleanup(func() {
		cancel()
		wait()
	})
}

func newSession(id string) *models.NegotiatedSession {
	cfg := models.StreamConfig{ViewWidth: 1600, ViewHeight: 1600, FoveationEnabled: true,
		FoveationParams: models.FoveationParams{CenterSizeX: 0.5, CenterSizeY: 0.5, EdgeRatioX: 4, EdgeRatioY: 4}}
	return models.NewSession(id, cfg, models.CodecParams{Codec: "h264"}, 90)
}

func TestScheduler_transmits_in_sequence_order(t *testing.T) {
	f := newFixture(t, Config{})
	// Varying encode latency must not reorder frames.
	f.encoder.Delay = func(seq uint64) time.Duration { return time.Duration(seq%3) * time.Millisecond }
	f.start(t)

	tx := &recordingSender{}
	sess := newSession("s1")
	if err := f.sched.SetSession(sess, tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	for i := 0; i < 20; i++ {
		f.sched.tick(context.Background())
	}
	frames := tx.waitFor(t, 20)

	for i, fr := range frames {
		if fr.SessionID != "s1" {
			t.Errorf("frame %d: session %q", i, fr.SessionID)
		}
		if fr.Sequence != uint64(i) {
			t.Errorf("frame %d: sequence %d", i, fr.Sequence)
		}
		if i > 0 && fr.Sequence <= frames[i-1].Sequence {
			t.Errorf("sequence not increasing at %d: %d after %d", i, fr.Sequence, frames[i-1].Sequence)
		}
	}
	if !frames[0].IsKeyFrame {
		t.Error("first frame of a session should be a key frame")
	}
	if st := f.sched.Stats(); st.Transmitted != 20 || st.Sampled != 20 || st.Dropped != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestScheduler_timeout_on_frame_does_not_block_next(t *testing.T) {
	f := newFixture(t, Config{EncodeTimeout: 20 * time.Millisecond})
	f.encoder.Delay = func(seq uint64) time.Duration {
		if seq == 3 {
			return time.Hour
		}
		return 0
	}
	f.start(t)

	tx := &recordingSender{}
	if err := f.sched.SetSession(newSession("s1"), tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	for i := 0; i < 6; i++ {
		f.sched.tick(context.Background())
	}

	frames := tx.waitFor(t, 5)
	want := []uint64{0, 1, 2, 4, 5}
	for i, fr := range frames {
		if fr.Sequence != want[i] {
			t.Fatalf("frame %d: sequence %d, want %d", i, fr.Sequence, want[i])
		}
	}
	if !frames[3].IsKeyFrame {
		t.Error("frame after an encode failure should be a key frame")
	}
	if got := f.sched.Stats().Drops[models.DropEncodeTimeout]; got != 1 {
		t.Errorf("encode timeouts: got %d, want 1", got)
	}
}

func TestScheduler_render_timeout_drops_frame(t *testing.T) {
	f := newFixture(t, Config{RenderTimeout: 10 * time.Millisecond})
	f.renderer.Delay = func(n uint64) time.Duration {
		if n == 0 {
			return time.Hour
		}
		return 0
	}
	f.start(t)

	tx := &recordingSender{}
	if err := f.sched.SetSession(newSession("s1"), tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	f.sched.tick(context.Background())
	f.sched.tick(context.Background())

	frames := tx.waitFor(t, 1)
	if frames[0].Sequence != 1 {
		t.Errorf("expected frame 1 after render timeout on 0, got %d", frames[0].Sequence)
	}
	waitUntil(t, "render timeout drop", func() bool {
		return f.sched.Stats().Drops[models.DropRenderTimeout] == 1
	})
}

func TestScheduler_renegotiation_restarts_sequence(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	txA := &recordingSender{}
	a := newSession("a")
	if err := f.sched.SetSession(a, txA); err != nil {
		t.Fatalf("SetSession a: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.sched.tick(context.Background())
	}
	txA.waitFor(t, 3)

	txB := &recordingSender{}
	b := newSession("b")
	if err := f.sched.SetSession(b, txB); err != nil {
		t.Fatalf("SetSession b: %v", err)
	}
	if a.GetState() != models.SessionStateInvalidated {
		t.Errorf("previous session should be invalidated, got %s", a.GetState())
	}
	for i := 0; i < 3; i++ {
		f.sched.tick(context.Background())
	}
	frames := txB.waitFor(t, 3)
	for i, fr := range frames {
		if fr.SessionID != "b" || fr.Sequence != uint64(i) {
			t.Errorf("frame %d: session %q seq %d", i, fr.SessionID, fr.Sequence)
		}
	}
	if len(txA.sent()) != 3 {
		t.Errorf("old session transport received frames after renegotiation")
	}
}

func TestScheduler_drops_frames_of_replaced_session(t *testing.T) {
	f := newFixture(t, Config{RenderTimeout: time.Second})
	release := make(chan struct{})
	f.renderer.Delay = func(n uint64) time.Duration {
		if n == 0 {
			<-release
		}
		return 0
	}
	f.start(t)

	txA := &recordingSender{}
	if err := f.sched.SetSession(newSession("a"), txA); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	f.sched.tick(context.Background())

	txB := &recordingSender{}
	if err := f.sched.SetSession(newSession("b"), txB); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	close(release)

	waitUntil(t, "session_changed drop", func() bool {
		return f.sched.Stats().Drops[models.DropSessionChanged] == 1
	})
	if len(txA.sent()) != 0 || len(txB.sent()) != 0 {
		t.Errorf("stale frame reached a transport: a=%d b=%d", len(txA.sent()), len(txB.sent()))
	}
}

func TestScheduler_transport_error_drops(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	tx := &recordingSender{err: errors.New("queue full")}
	if err := f.sched.SetSession(newSession("s1"), tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	f.sched.tick(context.Background())
	waitUntil(t, "transport error drop", func() bool {
		return f.sched.Stats().Drops[models.DropTransportError] == 1
	})
	if f.sched.Stats().InFlight != 0 {
		t.Error("failed send should not stay in flight")
	}
}

func TestScheduler_invalidate(t *testing.T) {
	f := newFixture(t, Config{})
	sess := newSession("s1")
	if err := f.sched.SetSession(sess, &recordingSender{}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if f.sched.Invalidate("other") {
		t.Error("invalidating an unknown session should be a no-op")
	}
	if !f.sched.Invalidate("s1") {
		t.Fatal("expected current session to be invalidated")
	}
	if f.sched.Session() != nil || sess.IsActive() {
		t.Error("session should be detached and inactive")
	}
	// No session: ticks are ignored.
	f.sched.tick(context.Background())
	if f.sched.Stats().Sampled != 0 {
		t.Error("tick without a session should not sample")
	}
}

func TestScheduler_rejects_invalid_session_config(t *testing.T) {
	f := newFixture(t, Config{})
	bad := models.NewSession("bad", models.StreamConfig{ViewWidth: 100, ViewHeight: 100, FoveationEnabled: true}, models.CodecParams{}, 90)
	if err := f.sched.SetSession(bad, &recordingSender{}); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("expected invalid config error, got %v", err)
	}
}

func TestRun_stops_on_cancel(t *testing.T) {
	f := newFixture(t, Config{})
	tx := &recordingSender{}
	if err := f.sched.SetSession(newSession("s1"), tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	tx.waitFor(t, 3)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestScheduler_encode_time_excludes_render(t *testing.T) {
	f := newFixture(t, Config{})
	f.renderer.Delay = func(uint64) time.Duration { return 12 * time.Millisecond }
	initial := f.ctrl.CurrentTarget()
	f.start(t)

	tx := &recordingSender{}
	if err := f.sched.SetSession(newSession("s1"), tx); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	f.sched.tick(context.Background())
	fr := tx.waitFor(t, 1)[0]

	f.sched.inflightMu.Lock()
	e := f.sched.inflight[fr.Sequence]
	f.sched.inflightMu.Unlock()
	if e.encodeMs >= 5 {
		t.Errorf("encode time %.2fms includes the 12ms render", e.encodeMs)
	}

	ack := models.FrameAck{
		SessionID:           "s1",
		Sequence:            fr.Sequence,
		ReceivedTimestampNs: e.sentAt + int64(time.Millisecond),
		DecodeTimeMs:        1,
	}
	if err := f.sched.OnAck(ack); err != nil {
		t.Fatalf("OnAck: %v", err)
	}
	if f.ctrl.CurrentTarget() < initial {
		t.Errorf("a fast encode behind a slow render lowered the target: %d -> %d", initial, f.ctrl.CurrentTarget())
	}
}

func TestScheduler_track_refuses_replaced_session(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.sched.SetSession(newSession("a"), &recordingSender{}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	old := f.sched.current.Load()
	if err := f.sched.SetSession(newSession("b"), &recordingSender{}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	// A frame of "a" that passed usable just before the swap.
	fr := &frame{act: old, seq: 0, sampledAt: f.clock.Now(), encoded: &models.EncodedFrame{SessionID: "a"}}
	if f.sched.track(fr) {
		t.Error("frame of a replaced session was tracked")
	}
	if n := f.sched.Stats().InFlight; n != 0 {
		t.Errorf("in flight after refused track: %d", n)
	}
}

func TestSweepAcks_ignores_loss_of_replaced_session(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 5 * time.Millisecond})
	initial := f.ctrl.CurrentTarget()
	if err := f.sched.SetSession(newSession("a"), &recordingSender{}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	old := f.sched.current.Load()
	if err := f.sched.SetSession(newSession("b"), &recordingSender{}); err != nil {
		t.Fatalf("SetSession: %v", err)
	}

	f.sched.inflightMu.Lock()
	f.sched.inflight[7] = inflightEntry{session: old.session, sentAt: f.clock.Now() - int64(time.Second), intervalMs: 11.1}
	f.sched.inflightMu.Unlock()
	f.sched.sweepAcks()

	if got := f.sched.Stats().Drops[models.DropAckTimeout]; got != 1 {
		t.Errorf("ack timeouts: got %d, want 1", got)
	}
	if f.ctrl.CurrentTarget() != initial {
		t.Errorf("loss from a replaced session moved the target: %d -> %d", initial, f.ctrl.CurrentTarget())
	}
}
