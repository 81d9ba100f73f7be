// Package presentsync is the headset half of the pipeline. It pairs decoded
// frames with the pose they were rendered for and presents them on the
// display cadence. A refresh with no new frame repeats the previous one, or
// shows the lobby when nothing has been decoded yet; it never waits on the
// network.
package presentsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vrlink/internal/backend"
	"vrlink/internal/foveation"
	"vrlink/internal/metrics"
	"vrlink/internal/poseclock"
	"vrlink/pkg/models"
)

// PresentKind says what a display refresh showed.
type PresentKind string

const (
	PresentStream PresentKind = "stream"
	PresentRepeat PresentKind = "repeat"
	PresentLobby  PresentKind = "lobby"
)

// AckSender returns per-frame feedback to the host.
type AckSender interface {
	SendAck(ack models.FrameAck) error
}

// HostClock converts timestamps between the headset and host domains.
type HostClock interface {
	ToHost(localNs int64) int64
	ToLocal(hostNs int64) int64
}

// Config tunes buffering on the headset.
type Config struct {
	// MaxBufferingFrames is the highest running average of queued frames
	// tolerated before the oldest queued frame is dropped.
	MaxBufferingFrames float64
	// BufferingHistoryWeight is the weight of the previous average.
	BufferingHistoryWeight float64
	// QueueCapacity hard-limits queued decoded frames.
	QueueCapacity   int
	SwapchainLength int
	DecodeTimeout   time.Duration
	IPD             float32
}

// DefaultConfig returns the headset defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferingFrames:     2,
		BufferingHistoryWeight: 0.9,
		QueueCapacity:          8,
		SwapchainLength:        3,
		DecodeTimeout:          50 * time.Millisecond,
		IPD:                    0.063,
	}
}

// Result describes one display refresh.
type Result struct {
	Kind     PresentKind
	Sequence uint64 // valid unless Kind is PresentLobby
}

// Stats counts refresh outcomes and rejected frames. MotionToPhotonMs is the
// time from the tracking sample the last paired frame was rendered for to its
// first display.
type Stats struct {
	Presented        uint64
	Repeated         uint64
	Lobby            uint64
	Stale            uint64
	Overflow         uint64
	DecodeFails      uint64
	Mismatched       uint64 // decoded size does not fit the session geometry
	Unpaired         uint64 // presented with no local pose to pair with
	Buffered         int
	AvgBuffered      float64
	MotionToPhotonMs float64
}

// Sync pairs and presents decoded frames for the current session.
type Sync struct {
	cfg       Config
	renderer  backend.RenderBackend
	decoder   backend.Decoder
	poses     *poseclock.PoseBuffer
	clock     *poseclock.Clock
	hostClock HostClock
	acks      AckSender
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	sessionID   string
	geometry    foveation.Geometry
	configured  bool
	lastSeq     uint64
	hasSeq      bool
	queue       []models.DecodedFrame
	current     *models.DecodedFrame
	avgBuffered float64
	swapIndex   int
	stats       Stats
}

// Deps are the headset collaborators.
type Deps struct {
	Renderer  backend.RenderBackend
	Decoder   backend.Decoder
	Poses     *poseclock.PoseBuffer
	Clock     *poseclock.Clock
	HostClock HostClock
	Acks      AckSender
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates a present sync.
func New(cfg Config, deps Deps) *Sync {
	def := DefaultConfig()
	if cfg.MaxBufferingFrames <= 0 {
		cfg.MaxBufferingFrames = def.MaxBufferingFrames
	}
	if cfg.BufferingHistoryWeight <= 0 || cfg.BufferingHistoryWeight >= 1 {
		cfg.BufferingHistoryWeight = def.BufferingHistoryWeight
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SwapchainLength <= 0 {
		cfg.SwapchainLength = def.SwapchainLength
	}
	if cfg.DecodeTimeout <= 0 {
		cfg.DecodeTimeout = def.DecodeTimeout
	}
	if cfg.IPD <= 0 {
		cfg.IPD = def.IPD
	}
	if deps.Clock == nil {
		deps.Clock = poseclock.NewClock()
	}
	if deps.Poses == nil {
		deps.Poses = poseclock.NewPoseBuffer(poseclock.DefaultHistory)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Sync{
		cfg:       cfg,
		renderer:  deps.Renderer,
		decoder:   deps.Decoder,
		poses:     deps.Poses,
		clock:     deps.Clock,
		hostClock: deps.HostClock,
		acks:      deps.Acks,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(slog.String("component", "presentsync")),
	}
}

// SetSession switches to the accepted session and its stream config. The
// foveation geometry is derived from cfg exactly as the host derives it and is
// handed to the renderer and decoder when they accept it. Queued frames and
// the repeat frame of the previous session are discarded. On error the
// previous session stays active.
func (s *Sync) SetSession(sessionID string, cfg models.StreamConfig) error {
	geo, err := foveation.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to derive geometry for session %q: %w", sessionID, err)
	}
	for _, b := range []any{s.renderer, s.decoder} {
		if c, ok := b.(backend.StreamConfigurer); ok {
			if err := c.SetStreamConfig(cfg, geo); err != nil {
				return fmt.Errorf("failed to configure stream for session %q: %w", sessionID, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.geometry, s.configured = geo, true
	s.lastSeq, s.hasSeq = 0, false
	s.queue = s.queue[:0]
	s.current = nil
	s.avgBuffered = 0
	return nil
}

// Geometry returns the foveation geometry of the current session.
func (s *Sync) Geometry() (foveation.Geometry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry, s.configured
}

// HandleFrame is the receive path: it rejects stale frames, decodes, checks
// the decoded size against the session geometry, pairs and acknowledges.
// Rejected frames are never acknowledged.
func (s *Sync) HandleFrame(ctx context.Context, frame *models.EncodedFrame) error {
	receivedAt := s.clock.Now()
	if err := s.admit(frame.SessionID, frame.Sequence); err != nil {
		return err
	}
	if s.decoder == nil {
		return fmt.Errorf("no decoder configured")
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DecodeTimeout)
	defer cancel()
	out, err := s.decoder.Decode(dctx, frame)
	if err != nil {
		s.mu.Lock()
		s.stats.DecodeFails++
		s.mu.Unlock()
		return fmt.Errorf("failed to decode frame %d: %w", frame.Sequence, err)
	}
	decodedAt := s.clock.Now()

	width, height, err := s.expand(out)
	if err != nil {
		return fmt.Errorf("frame %d: %w", frame.Sequence, err)
	}

	decoded := models.DecodedFrame{
		SessionID:   frame.SessionID,
		Sequence:    frame.Sequence,
		Buffer:      out.Buffer,
		Width:       width,
		Height:      height,
		DecodedAtNs: decodedAt,
	}
	if err := s.OnFrameDecoded(decoded, frame.Pose); err != nil {
		return err
	}

	if s.acks != nil {
		ack := models.FrameAck{
			SessionID:           frame.SessionID,
			Sequence:            frame.Sequence,
			ReceivedTimestampNs: s.toHost(receivedAt),
			DecodeTimeMs:        float64(decodedAt-receivedAt) / float64(time.Millisecond),
		}
		if err := s.acks.SendAck(ack); err != nil {
			s.logger.Warn("failed to send frame ack", slog.Uint64("seq", frame.Sequence), slog.Any("error", err))
		}
	}
	return nil
}

// OnFrameDecoded pairs a decoded frame with the pose it was rendered for and
// queues it for presentation. Frames of another session or with a sequence
// number not above the last accepted one are rejected as stale.
func (s *Sync) OnFrameDecoded(frame models.DecodedFrame, pose models.Pose) error {
	frame.Pose = pose

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.staleLocked(frame.SessionID, frame.Sequence); err != nil {
		s.stats.Stale++
		return err
	}
	s.lastSeq, s.hasSeq = frame.Sequence, true

	if len(s.queue) >= s.cfg.QueueCapacity {
		s.queue = s.queue[1:]
		s.stats.Overflow++
	}
	s.queue = append(s.queue, frame)
	return nil
}

func (s *Sync) admit(sessionID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return fmt.Errorf("%w: no stream config for session %q", models.ErrSessionInvalidated, sessionID)
	}
	if err := s.staleLocked(sessionID, seq); err != nil {
		s.stats.Stale++
		return err
	}
	return nil
}

// expand checks a decoded side-by-side frame against the session geometry and
// returns the per-view size it expands to.
func (s *Sync) expand(out backend.DecodeResult) (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, h, err := s.geometry.ExpandSize(out.Width/2, out.Height)
	if err != nil || out.Width%2 != 0 {
		s.stats.Mismatched++
		if err == nil {
			err = fmt.Errorf("%w: odd stereo width %d", models.ErrInvalidConfig, out.Width)
		}
		return 0, 0, err
	}
	return w, h, nil
}

func (s *Sync) staleLocked(sessionID string, seq uint64) error {
	if sessionID != s.sessionID {
		return fmt.Errorf("%w: frame for session %q", models.ErrSessionInvalidated, sessionID)
	}
	if s.hasSeq && seq <= s.lastSeq {
		return fmt.Errorf("stale frame %d, last accepted %d", seq, s.lastSeq)
	}
	return nil
}

// Tick presents one display refresh. It only takes a short lock and never
// waits for a frame.
func (s *Sync) Tick() Result {
	s.mu.Lock()
	w := s.cfg.BufferingHistoryWeight
	s.avgBuffered = w*s.avgBuffered + (1-w)*float64(len(s.queue))
	if s.avgBuffered > s.cfg.MaxBufferingFrames && len(s.queue) > 1 {
		s.queue = s.queue[1:]
		s.stats.Overflow++
	}

	idx := s.swapIndex
	s.swapIndex = (s.swapIndex + 1) % s.cfg.SwapchainLength
	swap := [2]int{idx, idx}

	var res Result
	var buffer uint64
	var fresh *models.DecodedFrame
	switch {
	case len(s.queue) > 0:
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.current = &f
		fresh = &f
		buffer = f.Buffer
		res = Result{Kind: PresentStream, Sequence: f.Sequence}
		s.stats.Presented++
	case s.current != nil:
		buffer = s.current.Buffer
		res = Result{Kind: PresentRepeat, Sequence: s.current.Sequence}
		s.stats.Repeated++
	default:
		res = Result{Kind: PresentLobby}
		s.stats.Lobby++
	}
	s.mu.Unlock()

	if res.Kind == PresentLobby {
		s.renderer.PresentLobby(s.lobbyViews(), swap)
	} else {
		s.renderer.PresentStream(buffer, swap)
	}
	if fresh != nil {
		s.recordMotionToPhoton(fresh.Pose, s.clock.Now())
	}
	s.metrics.RecordClientPresent(string(res.Kind))
	return res
}

// recordMotionToPhoton pairs the host-domain pose a frame was rendered for
// with the tracking sample the headset recorded for it, and records the time
// from that sample to presentAt.
func (s *Sync) recordMotionToPhoton(pose models.Pose, presentAt int64) {
	local, ok := s.poses.Nearest(s.toLocal(pose.TimestampNs))
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok || local.TimestampNs > presentAt {
		s.stats.Unpaired++
		return
	}
	ms := float64(presentAt-local.TimestampNs) / float64(time.Millisecond)
	s.stats.MotionToPhotonMs = ms
	s.metrics.RecordMotionToPhoton(ms)
}

// Run ticks at refreshRate until ctx is cancelled.
func (s *Sync) Run(ctx context.Context, refreshRate float32) error {
	if refreshRate <= 0 {
		return fmt.Errorf("invalid refresh rate %v", refreshRate)
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / float64(refreshRate)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Sync) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Buffered = len(s.queue)
	st.AvgBuffered = s.avgBuffered
	return st
}

func (s *Sync) lobbyViews() [2]models.ViewInput {
	pose, ok := s.poses.Latest()
	if !ok {
		pose = models.Pose{Orientation: models.IdentityOrientation, Fov: poseclock.DefaultFov()}
	}
	return pose.EyeViews(s.cfg.IPD)
}

func (s *Sync) toHost(localNs int64) int64 {
	if s.hostClock == nil {
		return localNs
	}
	return s.hostClock.ToHost(localNs)
}

func (s *Sync) toLocal(hostNs int64) int64 {
	if s.hostClock == nil {
		return hostNs
	}
	return s.hostClock.ToLocal(hostNs)
}
