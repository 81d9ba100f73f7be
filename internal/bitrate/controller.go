// Package bitrate implements the closed-loop adaptive bitrate controller.
//
// Every observation compares the frame round trip (encode + transmit) against
// a latency budget:
//
//	budget = interval + TargetOffset, capped at TargetMaximum when > 0
//
// where interval is the sample's frame interval, or the moving average of the
// last FrametimeWindow intervals when UseFrametime is set. The target is then
//
//	increased  when roundTrip < budget * (1 - LightLoadThreshold)
//	decreased  when roundTrip > budget or packet loss was observed
//	held       otherwise
//
// and clamped to [MinBitrate, MaxBitrate]. During the first WarmupFrames
// observations the target stays at InitialBitrate.
package bitrate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vrlink/pkg/models"
)

// Mbps is one megabit per second in bits per second.
const Mbps = 1_000_000

// Sample is one per-frame observation fed back from the pipeline.
type Sample struct {
	EncodeTimeMs    float64
	TransmitTimeMs  float64
	FrameIntervalMs float64
	PacketLoss      float64 // fraction of the frame lost, 0 when fully received
	DecodeTimeMs    float64 // optional, reported by the headset ack
}

// RoundTripMs is the time the decision is based on.
func (s Sample) RoundTripMs() float64 {
	return s.EncodeTimeMs + s.TransmitTimeMs
}

// Decision is the outcome of a single observation.
type Decision string

const (
	DecisionIncrease Decision = "increase"
	DecisionDecrease Decision = "decrease"
	DecisionHold     Decision = "hold"
	DecisionWarmup   Decision = "warmup"
)

// Config bounds and tunes the controller.
type Config struct {
	InitialBitrate uint64 // bits/s, also the warm-up target
	MinBitrate     uint64 // hard floor
	MaxBitrate     uint64 // hard ceiling

	Policy             Policy
	LightLoadThreshold float64 // fraction of the budget kept as headroom before increasing

	UseFrametime    bool
	FrametimeWindow int

	TargetOffsetMs  float64
	TargetMaximumMs float64

	WarmupFrames int

	// FrameInterval is used when a sample carries no frame interval.
	FrameInterval time.Duration
	// Smoothing is the EWMA weight of a new sample in the reported averages.
	Smoothing float64
}

// DefaultConfig mirrors the host defaults: 30 Mbps start, 10..100 Mbps.
func DefaultConfig() Config {
	return Config{
		InitialBitrate:     30 * Mbps,
		MinBitrate:         10 * Mbps,
		MaxBitrate:         100 * Mbps,
		Policy:             Additive{Up: 1 * Mbps, Down: 3 * Mbps},
		LightLoadThreshold: 0.2,
		FrametimeWindow:    30,
		WarmupFrames:       30,
		FrameInterval:      time.Second / 72,
		Smoothing:          0.1,
	}
}

// Validate checks bounds and policy asymmetry.
func (c Config) Validate() error {
	if c.MinBitrate == 0 {
		return fmt.Errorf("%w: min bitrate must be > 0", models.ErrInvalidConfig)
	}
	if c.MaxBitrate < c.MinBitrate {
		return fmt.Errorf("%w: max bitrate %d below min %d", models.ErrInvalidConfig, c.MaxBitrate, c.MinBitrate)
	}
	if c.InitialBitrate < c.MinBitrate || c.InitialBitrate > c.MaxBitrate {
		return fmt.Errorf("%w: initial bitrate %d outside [%d, %d]", models.ErrInvalidConfig, c.InitialBitrate, c.MinBitrate, c.MaxBitrate)
	}
	if c.LightLoadThreshold < 0 || c.LightLoadThreshold >= 1 {
		return fmt.Errorf("%w: light load threshold %v not in [0,1)", models.ErrInvalidConfig, c.LightLoadThreshold)
	}
	if c.TargetMaximumMs < 0 {
		return fmt.Errorf("%w: target maximum must be >= 0", models.ErrInvalidConfig)
	}
	if c.WarmupFrames < 0 {
		return fmt.Errorf("%w: warm-up frames must be >= 0", models.ErrInvalidConfig)
	}
	if c.Policy == nil {
		return fmt.Errorf("%w: no bitrate policy", models.ErrInvalidConfig)
	}
	return c.Policy.Validate()
}

// Controller holds the live FrameBudget. Observe is called from the feedback
// flow; CurrentTarget and Budget are safe to call concurrently from the
// scheduler.
type Controller struct {
	mu sync.RWMutex

	cfg    Config
	target uint64
	seen   uint64

	intervals []float64 // ring of recent frame intervals
	next      int
	filled    int

	encodeMs   float64
	rttMs      float64
	decodeMs   float64
	intervalMs float64
	budgetMs   float64

	logger *slog.Logger
}

// New creates a controller starting at cfg.InitialBitrate.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FrametimeWindow <= 0 {
		cfg.FrametimeWindow = 1
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 72
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = 0.1
	}
	if logger == nil {
		logger = slog.Default()
	}

	interval := durationMs(cfg.FrameInterval)
	return &Controller{
		cfg:        cfg,
		target:     cfg.InitialBitrate,
		intervals:  make([]float64, cfg.FrametimeWindow),
		intervalMs: interval,
		budgetMs:   budgetFor(cfg, interval),
		logger:     logger,
	}, nil
}

// Observe folds one sample into the controller and adjusts the target.
func (c *Controller) Observe(s Sample) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	interval := s.FrameIntervalMs
	if interval <= 0 {
		interval = durationMs(c.cfg.FrameInterval)
	}
	c.pushInterval(interval)
	c.fold(s, interval)
	c.seen++

	if c.seen <= uint64(c.cfg.WarmupFrames) {
		c.target = c.cfg.InitialBitrate
		return DecisionWarmup
	}

	if c.cfg.UseFrametime {
		interval = c.meanInterval()
	}
	budget := budgetFor(c.cfg, interval)
	c.budgetMs = budget

	rt := s.RoundTripMs()
	prev := c.target
	decision := DecisionHold
	switch {
	case rt > budget || s.PacketLoss > 0:
		c.target = c.clamp(c.cfg.Policy.Decrease(c.target))
		decision = DecisionDecrease
	case rt < budget*(1-c.cfg.LightLoadThreshold):
		c.target = c.clamp(c.cfg.Policy.Increase(c.target))
		decision = DecisionIncrease
	}

	if c.target != prev {
		c.logger.Debug("bitrate target changed",
			slog.String("decision", string(decision)),
			slog.Uint64("from", prev),
			slog.Uint64("to", c.target),
			slog.Float64("round_trip_ms", rt),
			slog.Float64("budget_ms", budget),
			slog.Float64("packet_loss", s.PacketLoss),
		)
	}
	return decision
}

// ObserveDecode folds a decode time reported out of band.
func (c *Controller) ObserveDecode(ms float64) {
	if ms < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeMs = c.ewma(c.decodeMs, ms)
}

// CurrentTarget returns the target bitrate in bits per second.
func (c *Controller) CurrentTarget() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Budget returns a snapshot of the current FrameBudget.
func (c *Controller) Budget() models.FrameBudget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.FrameBudget{
		TargetBitrate:   c.target,
		FrameInterval:   msDuration(c.intervalMs),
		LatencyBudget:   msDuration(c.budgetMs),
		EncodeTimeMs:    c.encodeMs,
		NetworkRTTMs:    c.rttMs,
		DecodeTimeMs:    c.decodeMs,
		FrameIntervalMs: c.intervalMs,
		Samples:         c.seen,
	}
}

// Headroom is where the target sits within [min, max], from 0 (at the floor)
// to 1 (at the ceiling). Until warm-up completes the target says nothing about
// the link, so headroom is reported as full.
func (c *Controller) Headroom() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.seen == 0 || c.seen <= uint64(c.cfg.WarmupFrames) {
		return 1
	}
	span := c.cfg.MaxBitrate - c.cfg.MinBitrate
	if span == 0 {
		return 1
	}
	return float64(c.target-c.cfg.MinBitrate) / float64(span)
}

// Reset returns to the warm-up state, e.g. after renegotiation.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = c.cfg.InitialBitrate
	c.seen = 0
	c.next, c.filled = 0, 0
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Controller) fold(s Sample, interval float64) {
	if c.seen == 0 {
		c.encodeMs = s.EncodeTimeMs
		c.rttMs = s.TransmitTimeMs
		c.intervalMs = interval
		if s.DecodeTimeMs > 0 {
			c.decodeMs = s.DecodeTimeMs
		}
		return
	}
	c.encodeMs = c.ewma(c.encodeMs, s.EncodeTimeMs)
	c.rttMs = c.ewma(c.rttMs, s.TransmitTimeMs)
	c.intervalMs = c.ewma(c.intervalMs, interval)
	if s.DecodeTimeMs > 0 {
		c.decodeMs = c.ewma(c.decodeMs, s.DecodeTimeMs)
	}
}

func (c *Controller) ewma(avg, v float64) float64 {
	return avg + c.cfg.Smoothing*(v-avg)
}

func (c *Controller) pushInterval(ms float64) {
	c.intervals[c.next] = ms
	c.next = (c.next + 1) % len(c.intervals)
	if c.filled < len(c.intervals) {
		c.filled++
	}
}

func (c *Controller) meanInterval() float64 {
	var sum float64
	for i := 0; i < c.filled; i++ {
		sum += c.intervals[i]
	}
	return sum / float64(c.filled)
}

func (c *Controller) clamp(v uint64) uint64 {
	if v < c.cfg.MinBitrate {
		return c.cfg.MinBitrate
	}
	if v > c.cfg.MaxBitrate {
		return c.cfg.MaxBitrate
	}
	return v
}

func budgetFor(cfg Config, intervalMs float64) float64 {
	b := intervalMs + cfg.TargetOffsetMs
	if cfg.TargetMaximumMs > 0 && b > cfg.TargetMaximumMs {
		b = cfg.TargetMaximumMs
	}
	return b
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
