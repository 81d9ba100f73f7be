// Package scheduler drives the host frame pipeline:
//
//	sample pose -> render -> encode -> transmit -> ack | drop
//
// A fixed-cadence producer samples poses and assigns sequence numbers. Render,
// encode and transmit each run in their own goroutine and hand frames on
// through bounded channels; a full channel drops the frame instead of
// blocking the stage behind it. Encode and transmit are single goroutines, so
// frames reach the network in sequence order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vrlink/internal/backend"
	"vrlink/internal/bitrate"
	"vrlink/internal/foveation"
	"vrlink/internal/metrics"
	"vrlink/internal/poseclock"
	"vrlink/pkg/models"
)

// FrameSender queues an encoded frame on the headset link. It must not block.
type FrameSender interface {
	SendFrame(frame *models.EncodedFrame) error
}

// Tap observes every transmitted frame, e.g. to capture it to storage.
type Tap interface {
	OnFrame(frame *models.EncodedFrame)
}

// Config tunes queueing and deadlines. Zero durations derive from the
// session frame interval.
type Config struct {
	QueueSize     int
	RenderTimeout time.Duration
	EncodeTimeout time.Duration
	MaxFrameAge   time.Duration // default: three frame intervals
	AckTimeout    time.Duration // default: 500ms
	IPD           float32
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Source     poseclock.Source
	Clock      *poseclock.Clock
	Renderer   backend.RenderBackend
	Encoder    backend.Encoder
	Controller *bitrate.Controller
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// active is the session frames are currently produced for. It is replaced as
// a whole; a frame carrying a different *active is stale.
type active struct {
	session  *models.NegotiatedSession
	geometry foveation.Geometry
	sender   FrameSender
}

type frame struct {
	act        *active
	seq        uint64
	pose       models.Pose
	sampledAt  int64
	intervalMs float64
	textures   [2]uint64
	encoded    *models.EncodedFrame
	encodeMs   float64
	state      models.FrameState
}

type inflightEntry struct {
	session    *models.NegotiatedSession
	sentAt     int64
	encodeMs   float64
	intervalMs float64
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	SessionID    string
	Sampled      uint64
	Transmitted  uint64
	Acknowledged uint64
	Dropped      uint64
	InFlight     int
	Drops        map[models.DropReason]uint64
	Budget       models.FrameBudget
}

// Scheduler owns the frame pipeline for at most one session at a time.
type Scheduler struct {
	cfg        Config
	source     poseclock.Source
	clock      *poseclock.Clock
	renderer   backend.RenderBackend
	encoder    backend.Encoder
	controller *bitrate.Controller
	metrics    *metrics.Metrics
	logger     *slog.Logger

	current atomic.Pointer[active]
	running atomic.Bool
	needKey atomic.Bool

	toRender   chan *frame
	toEncode   chan *frame
	toTransmit chan *frame

	// producer only
	lastSampleNs int64

	// transmit goroutine only
	lastSentAct *active
	lastSentSeq uint64

	inflightMu sync.Mutex
	inflight   map[uint64]inflightEntry
	lastAcked  uint64
	ackedAny   bool

	tapMu sync.RWMutex
	tap   Tap

	sampled     atomic.Uint64
	transmitted atomic.Uint64
	acked       atomic.Uint64

	dropMu sync.Mutex
	drops  map[models.DropReason]uint64
}

// New creates a scheduler. Call SetSession before frames are produced.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Source == nil || deps.Renderer == nil || deps.Encoder == nil || deps.Controller == nil {
		return nil, errors.New("scheduler requires a pose source, renderer, encoder and bitrate controller")
	}
	if deps.Clock == nil {
		deps.Clock = poseclock.NewClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 500 * time.Millisecond
	}
	if cfg.IPD <= 0 {
		cfg.IPD = 0.063
	}

	return &Scheduler{
		cfg:        cfg,
		source:     deps.Source,
		clock:      deps.Clock,
		renderer:   deps.Renderer,
		encoder:    deps.Encoder,
		controller: deps.Controller,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With(slog.String("component", "scheduler")),
		toRender:   make(chan *frame, cfg.QueueSize),
		toEncode:   make(chan *frame, cfg.QueueSize),
		toTransmit: make(chan *frame, cfg.QueueSize),
		inflight:   make(map[uint64]inflightEntry),
		drops:      make(map[models.DropReason]uint64),
	}, nil
}

// Run produces frames at the session refresh rate until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	wait := s.startStages(ctx)
	defer wait()

	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("frame scheduler started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("frame scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if iv := s.interval(); iv != interval {
				interval = iv
				ticker.Reset(iv)
			}
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) startStages(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.stage(ctx, s.toRender, s.render)
	}()
	go func() {
		defer wg.Done()
		s.stage(ctx, s.toEncode, s.encode)
	}()
	go func() {
		defer wg.Done()
		s.transmitLoop(ctx)
	}()
	return wg.Wait
}

func (s *Scheduler) stage(ctx context.Context, in <-chan *frame, fn func(context.Context, *frame)) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			fn(ctx, f)
		}
	}
}

// SetSession makes sess the target of all new frames. Frames of the previous
// session still in the pipeline are dropped when they reach the next stage.
func (s *Scheduler) SetSession(sess *models.NegotiatedSession, tx FrameSender) error {
	geo, err := foveation.FromConfig(sess.Config)
	if err != nil {
		return fmt.Errorf("failed to compute foveation geometry: %w", err)
	}

	next := &active{session: sess, geometry: geo, sender: tx}
	prev := s.current.Swap(next)
	if prev == nil {
		s.controller.Reset()
	} else {
		s.retire(prev)
	}
	s.needKey.Store(true)

	ow, oh := geo.EncodedFrameSize()
	s.logger.Info("session attached",
		slog.String("session", sess.ID),
		slog.String("resolution", sess.Config.Resolution()),
		slog.Bool("foveation", geo.Enabled),
		slog.String("encoded", fmt.Sprintf("%dx%d", ow, oh)),
		slog.Float64("refresh_rate", float64(sess.RefreshRate)),
	)
	return nil
}

// Invalidate detaches sessionID if it is the current session. In-flight
// frames for it are discarded.
func (s *Scheduler) Invalidate(sessionID string) bool {
	cur := s.current.Load()
	if cur == nil || cur.session.ID != sessionID {
		return false
	}
	if !s.current.CompareAndSwap(cur, nil) {
		return false
	}
	s.retire(cur)
	s.logger.Info("session detached", slog.String("session", sessionID))
	return true
}

func (s *Scheduler) retire(prev *active) {
	if prev.session.IsActive() {
		prev.session.SetState(models.SessionStateInvalidated)
	}

	s.inflightMu.Lock()
	pending := len(s.inflight)
	s.inflight = make(map[uint64]inflightEntry)
	s.lastAcked, s.ackedAny = 0, false
	s.inflightMu.Unlock()

	for i := 0; i < pending; i++ {
		prev.session.RecordDropped()
		s.countDrop(models.DropSessionChanged)
	}
}

// Session returns the session frames are produced for, or nil.
func (s *Scheduler) Session() *models.NegotiatedSession {
	if cur := s.current.Load(); cur != nil {
		return cur.session
	}
	return nil
}

// Geometry returns the foveation geometry of the current session.
func (s *Scheduler) Geometry() (foveation.Geometry, bool) {
	if cur := s.current.Load(); cur != nil {
		return cur.geometry, true
	}
	return foveation.Geometry{}, false
}

// SetTap installs (or with nil removes) a transmitted-frame observer.
func (s *Scheduler) SetTap(t Tap) {
	s.tapMu.Lock()
	defer s.tapMu.Unlock()
	s.tap = t
}

func (s *Scheduler) interval() time.Duration {
	if cur := s.current.Load(); cur != nil {
		return cur.session.FrameInterval()
	}
	return time.Second / 72
}

// tick samples one pose and starts a frame for it. It never blocks on the
// pipeline.
func (s *Scheduler) tick(ctx context.Context) {
	act := s.current.Load()
	if act == nil || !act.session.IsActive() {
		return
	}

	pose, err := s.source.Sample(ctx)
	if err != nil {
		s.logger.Debug("pose sample failed", slog.Any("error", err))
		return
	}

	now := s.clock.Now()
	f := &frame{
		act:       act,
		seq:       act.session.NextSequence(),
		pose:      pose,
		sampledAt: now,
		state:     models.FrameStateSampled,
	}
	if s.lastSampleNs > 0 {
		f.intervalMs = nsToMs(now - s.lastSampleNs)
	} else {
		f.intervalMs = durationMs(act.session.FrameInterval())
	}
	s.lastSampleNs = now

	act.session.RecordSampled()
	s.sampled.Add(1)
	s.metrics.RecordSampled()

	select {
	case s.toRender <- f:
	default:
		s.drop(f, models.DropQueueFull, nil)
	}
}

func (s *Scheduler) render(ctx context.Context, f *frame) {
	if !s.usable(f) {
		return
	}

	views := f.pose.EyeViews(s.cfg.IPD)
	textures, err := withTimeout(ctx, s.renderTimeout(f), func(ctx context.Context) ([2]uint64, error) {
		return s.renderer.BeginFrame(ctx, views)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.drop(f, dropReason(err, models.DropRenderTimeout, models.DropRenderError), err)
		return
	}
	f.textures = textures
	f.state = models.FrameStateRendered

	select {
	case s.toEncode <- f:
	default:
		s.drop(f, models.DropQueueFull, nil)
	}
}

func (s *Scheduler) encode(ctx context.Context, f *frame) {
	if !s.usable(f) {
		return
	}

	budget := s.controller.Budget()
	req := backend.EncodeRequest{
		Sequence:      f.seq,
		Textures:      f.textures,
		Pose:          f.pose,
		TargetBitrate: budget.TargetBitrate,
		FrameInterval: f.act.session.FrameInterval(),
		Geometry:      f.act.geometry,
		Codec:         f.act.session.Codec,
		ForceKeyFrame: s.needKey.Swap(false),
	}

	encStart := s.clock.Now()
	res, err := withTimeout(ctx, s.encodeTimeout(f, budget), func(ctx context.Context) (backend.EncodeResult, error) {
		return s.encoder.Encode(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.needKey.Store(true)
		s.drop(f, dropReason(err, models.DropEncodeTimeout, models.DropEncodeError), err)
		return
	}

	now := s.clock.Now()
	f.encoded = &models.EncodedFrame{
		SessionID:         f.act.session.ID,
		Sequence:          f.seq,
		Payload:           res.Payload,
		EncodeTimestampNs: now,
		Pose:              f.pose,
		TargetBitrate:     req.TargetBitrate,
		IsKeyFrame:        res.IsKeyFrame || req.ForceKeyFrame,
	}
	f.encodeMs = nsToMs(now - encStart)
	f.state = models.FrameStateQueued

	select {
	case s.toTransmit <- f:
	default:
		s.drop(f, models.DropQueueFull, nil)
	}
}

func (s *Scheduler) transmitLoop(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.AckTimeout / 4)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.toTransmit:
			s.transmit(f)
		case <-sweep.C:
			s.sweepAcks()
		}
	}
}

func (s *Scheduler) transmit(f *frame) {
	if !s.usable(f) {
		return
	}
	if s.lastSentAct == f.act && f.seq <= s.lastSentSeq {
		s.drop(f, models.DropStale, fmt.Errorf("sequence %d not after %d", f.seq, s.lastSentSeq))
		return
	}

	if !s.track(f) {
		s.drop(f, models.DropSessionChanged, nil)
		return
	}

	if err := f.act.sender.SendFrame(f.encoded); err != nil {
		s.inflightMu.Lock()
		delete(s.inflight, f.seq)
		s.inflightMu.Unlock()
		s.drop(f, models.DropTransportError, err)
		return
	}

	f.state = models.FrameStateTransmitted
	s.lastSentAct, s.lastSentSeq = f.act, f.seq

	f.act.session.RecordSent(f.encoded)
	s.transmitted.Add(1)
	s.metrics.RecordTransmitted(f.encoded, f.encodeMs)
	s.metrics.SetTargetBitrate(f.encoded.TargetBitrate)

	s.tapMu.RLock()
	tap := s.tap
	s.tapMu.RUnlock()
	if tap != nil {
		tap.OnFrame(f.encoded)
	}

	s.logger.Debug("frame transmitted",
		slog.String("session", f.act.session.ID),
		slog.Uint64("seq", f.seq),
		slog.Int("bytes", f.encoded.PayloadSize()),
		slog.Float64("encode_ms", f.encodeMs),
		slog.Float64("pipeline_ms", nsToMs(s.clock.Now()-f.sampledAt)),
	)
}

// track records f as awaiting its ack. It refuses frames whose session was
// replaced since usable ran: retire clears inflight under the same lock after
// the swap, so a late entry would outlive its session.
func (s *Scheduler) track(f *frame) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.current.Load() != f.act {
		return false
	}
	s.inflight[f.seq] = inflightEntry{
		session:    f.act.session,
		sentAt:     s.clock.Now(),
		encodeMs:   f.encodeMs,
		intervalMs: f.intervalMs,
	}
	return true
}

// usable drops f when its session is gone or it has aged past its budget.
func (s *Scheduler) usable(f *frame) bool {
	if s.current.Load() != f.act {
		s.drop(f, models.DropSessionChanged, nil)
		return false
	}
	if age := s.clock.Since(f.sampledAt); age > s.maxAge(f) {
		s.drop(f, models.DropStale, fmt.Errorf("%w: age %v", models.ErrFrameTimeout, age))
		return false
	}
	return true
}

func (s *Scheduler) drop(f *frame, reason models.DropReason, err error) {
	f.state = models.FrameStateDropped
	if f.encoded != nil {
		s.needKey.Store(true)
	}
	f.act.session.RecordDropped()
	s.countDrop(reason)

	attrs := []any{
		slog.String("session", f.act.session.ID),
		slog.Uint64("seq", f.seq),
		slog.String("reason", string(reason)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.logger.Debug("frame dropped", attrs...)
}

func (s *Scheduler) countDrop(reason models.DropReason) {
	s.dropMu.Lock()
	s.drops[reason]++
	s.dropMu.Unlock()
	s.metrics.RecordFrameDropped(reason)
}

func (s *Scheduler) renderTimeout(f *frame) time.Duration {
	if s.cfg.RenderTimeout > 0 {
		return s.cfg.RenderTimeout
	}
	return f.act.session.FrameInterval()
}

func (s *Scheduler) encodeTimeout(f *frame, b models.FrameBudget) time.Duration {
	if s.cfg.EncodeTimeout > 0 {
		return s.cfg.EncodeTimeout
	}
	return max(f.act.session.FrameInterval(), b.LatencyBudget)
}

func (s *Scheduler) maxAge(f *frame) time.Duration {
	if s.cfg.MaxFrameAge > 0 {
		return s.cfg.MaxFrameAge
	}
	return 3 * f.act.session.FrameInterval()
}

// Stats returns a snapshot of the pipeline counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Sampled:      s.sampled.Load(),
		Transmitted:  s.transmitted.Load(),
		Acknowledged: s.acked.Load(),
		Drops:        make(map[models.DropReason]uint64),
		Budget:       s.controller.Budget(),
	}
	if sess := s.Session(); sess != nil {
		st.SessionID = sess.ID
	}

	s.dropMu.Lock()
	for r, n := range s.drops {
		st.Drops[r] = n
		st.Dropped += n
	}
	s.dropMu.Unlock()

	s.inflightMu.Lock()
	st.InFlight = len(s.inflight)
	s.inflightMu.Unlock()
	return st
}

// withTimeout runs fn with a deadline and returns as soon as the deadline
// passes, even if fn has not returned yet.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, fmt.Errorf("%w after %v", models.ErrFrameTimeout, d)
		}
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %v", models.ErrFrameTimeout, d)
	}
}

func dropReason(err error, timeout, failure models.DropReason) models.DropReason {
	if errors.Is(err, models.ErrFrameTimeout) {
		return timeout
	}
	return failure
}

func nsToMs(ns int64) float64 {
	return float64(ns) / float64(time.Millisecond)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
