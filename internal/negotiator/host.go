// Package negotiator agrees on a StreamConfig and codec between host and
// headset.
//
// The headset advertises its capability, the host proposes, the headset
// accepts or rejects. Each rejection moves one step down a fallback ladder:
// the configured proposal, then the same without foveation, then the view
// resolution reduced by a quarter per further attempt. After MaxAttempts
// rejections establishment fails.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"vrlink/internal/metrics"
	"vrlink/pkg/models"
)

// State of the host-side handshake.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReply State = "awaiting_reply"
	StateEstablished   State = "established"
	StateFailed        State = "failed"
)

const (
	// resolutionStep scales the view per fallback step below foveation.
	resolutionStep = 0.75
	// viewAlignment keeps proposed view sizes encoder friendly.
	viewAlignment = 8
)

// Config is the host side of the negotiation.
type Config struct {
	MaxAttempts int
	// RenderWidth/RenderHeight is the preferred per-eye view; zero means the
	// headset's native resolution. Proposals never exceed the display.
	RenderWidth  uint32
	RenderHeight uint32
	RefreshRate  float32 // preferred; zero means the highest advertised
	// MinScale bounds resolution fallback relative to the first proposal.
	MinScale         float64
	FoveationEnabled bool
	Foveation        models.FoveationParams
	Codecs           []string // in order of preference
	Tuning           models.EncoderTuning
}

// HeadroomSource reports spare bitrate in [0,1]; *bitrate.Controller
// satisfies it.
type HeadroomSource interface {
	Headroom() float64
}

// Peer carries the handshake messages for Negotiate.
type Peer interface {
	SendProposal(p models.Proposal) error
	AwaitReply(ctx context.Context) (models.ProposalReply, error)
}

// Host runs the host side of the handshake for one headset connection.
type Host struct {
	cfg      Config
	headroom HeadroomSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
	newID    func() string

	mu         sync.Mutex
	state      State
	capability models.ClientCapability
	attempt    int
	pending    *models.Proposal
	session    *models.NegotiatedSession
}

// NewHost creates a negotiator. headroom may be nil (treated as full).
func NewHost(cfg Config, headroom HeadroomSource, m *metrics.Metrics, logger *slog.Logger) *Host {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinScale <= 0 || cfg.MinScale > 1 {
		cfg.MinScale = 0.5
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []string{"h264"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:      cfg,
		headroom: headroom,
		metrics:  m,
		logger:   logger.With(slog.String("component", "negotiator")),
		newID:    uuid.NewString,
		state:    StateIdle,
	}
}

// Begin starts a handshake for capability and returns the first proposal.
// Any established session is invalidated first.
func (h *Host) Begin(capability models.ClientCapability) (models.Proposal, error) {
	if err := validateCapability(capability); err != nil {
		return models.Proposal{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.invalidateLocked()
	h.capability = capability
	h.attempt = 1
	return h.proposeLocked()
}

// HandleReply applies the headset's answer to the pending proposal. On
// acceptance it returns the new session; on rejection it returns the next
// fallback proposal, or an error wrapping ErrSessionEstablishment once the
// attempts are exhausted.
func (h *Host) HandleReply(reply models.ProposalReply) (*models.NegotiatedSession, *models.Proposal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateAwaitingReply || h.pending == nil {
		return nil, nil, fmt.Errorf("unexpected proposal reply in state %s", h.state)
	}
	if reply.SessionID != h.pending.SessionID {
		return nil, nil, fmt.Errorf("reply for unknown proposal %q", reply.SessionID)
	}

	p := *h.pending
	if reply.Accepted {
		sess := models.NewSession(p.SessionID, p.Config, p.Codec, p.RefreshRate)
		h.session = sess
		h.pending = nil
		h.state = StateEstablished
		h.metrics.RecordNegotiation("accepted")
		h.logger.Info("session established",
			slog.String("session", sess.ID),
			slog.Int("attempt", p.Attempt),
			slog.String("resolution", p.Config.Resolution()),
			slog.Bool("foveation", p.Config.FoveationEnabled),
			slog.String("codec", p.Codec.Codec),
		)
		return sess, nil, nil
	}

	h.metrics.RecordNegotiation("rejected")
	h.logger.Info("proposal rejected",
		slog.String("session", p.SessionID),
		slog.Int("attempt", p.Attempt),
		slog.String("reason", reply.Reason),
	)

	if h.attempt >= h.cfg.MaxAttempts {
		h.state = StateFailed
		h.pending = nil
		h.metrics.RecordNegotiation("failed")
		return nil, nil, fmt.Errorf("%w after %d attempts: %w (%s)", models.ErrSessionEstablishment, h.attempt, models.ErrConfigRejected, reply.Reason)
	}

	h.attempt++
	next, err := h.proposeLocked()
	if err != nil {
		return nil, nil, err
	}
	return nil, &next, nil
}

// OnResize handles a capability change during a session. A session whose
// config still fits the new capability is kept; otherwise it is invalidated
// and a new handshake begins.
func (h *Host) OnResize(capability models.ClientCapability) (models.Proposal, bool, error) {
	if err := validateCapability(capability); err != nil {
		return models.Proposal{}, false, err
	}

	h.mu.Lock()
	if h.session != nil && h.session.IsActive() && compatible(h.session, capability) {
		h.capability = capability
		h.mu.Unlock()
		return models.Proposal{}, false, nil
	}
	h.mu.Unlock()

	h.logger.Info("capability changed, renegotiating",
		slog.Uint64("width", uint64(capability.DisplayWidth)),
		slog.Uint64("height", uint64(capability.DisplayHeight)),
	)
	p, err := h.Begin(capability)
	if err != nil {
		return models.Proposal{}, false, err
	}
	return p, true, nil
}

// Negotiate runs the whole handshake over peer.
func (h *Host) Negotiate(ctx context.Context, capability models.ClientCapability, peer Peer) (*models.NegotiatedSession, error) {
	p, err := h.Begin(capability)
	if err != nil {
		return nil, err
	}
	return h.drive(ctx, p, peer)
}

// Renegotiate applies a capability change. When the current session still
// fits it is returned unchanged with changed=false; otherwise a new
// handshake runs over peer.
func (h *Host) Renegotiate(ctx context.Context, capability models.ClientCapability, peer Peer) (sess *models.NegotiatedSession, changed bool, err error) {
	p, changed, err := h.OnResize(capability)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return h.Session(), false, nil
	}
	sess, err = h.drive(ctx, p, peer)
	return sess, true, err
}

func (h *Host) drive(ctx context.Context, p models.Proposal, peer Peer) (*models.NegotiatedSession, error) {
	for {
		if err := peer.SendProposal(p); err != nil {
			h.fail()
			return nil, fmt.Errorf("failed to send proposal: %w", err)
		}
		reply, err := peer.AwaitReply(ctx)
		if err != nil {
			h.fail()
			return nil, fmt.Errorf("%w: %w", models.ErrSessionEstablishment, err)
		}
		sess, next, err := h.HandleReply(reply)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		p = *next
	}
}

// Invalidate ends the established session, if any.
func (h *Host) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidateLocked()
	h.state = StateIdle
}

// Session returns the established session or nil.
func (h *Host) Session() *models.NegotiatedSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// State returns the handshake state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateFailed
	h.pending = nil
	h.metrics.RecordNegotiation("failed")
}

func (h *Host) invalidateLocked() {
	if h.session != nil {
		if h.session.IsActive() {
			h.session.SetState(models.SessionStateInvalidated)
		}
		h.session = nil
	}
	h.pending = nil
}

func (h *Host) proposeLocked() (models.Proposal, error) {
	codec, ok := h.pickCodec()
	if !ok {
		h.state = StateFailed
		return models.Proposal{}, fmt.Errorf("%w: no common codec in %v", models.ErrSessionEstablishment, h.capability.Codecs)
	}

	cfg := h.configForAttempt(h.attempt)
	if err := cfg.Validate(); err != nil {
		h.state = StateFailed
		return models.Proposal{}, fmt.Errorf("%w: %w", models.ErrSessionEstablishment, err)
	}

	p := models.Proposal{
		SessionID:   h.newID(),
		Attempt:     h.attempt,
		Config:      cfg,
		Codec:       models.CodecParams{Codec: codec, Tuning: h.cfg.Tuning},
		RefreshRate: h.pickRefreshRate(),
	}
	h.pending = &p
	h.state = StateAwaitingReply
	return p, nil
}

// configForAttempt builds the StreamConfig for a 1-based attempt number.
func (h *Host) configForAttempt(attempt int) models.StreamConfig {
	w, ht := h.baseResolution()
	cfg := models.StreamConfig{
		ViewWidth:        w,
		ViewHeight:       ht,
		FoveationEnabled: h.cfg.FoveationEnabled,
		FoveationParams:  h.foveationParams(),
	}

	steps := attempt - 1
	if cfg.FoveationEnabled && steps > 0 {
		cfg.FoveationEnabled = false
		steps--
	}
	if steps > 0 {
		scale := math.Max(math.Pow(resolutionStep, float64(steps)), h.cfg.MinScale)
		cfg.ViewWidth = alignDown(float64(w)*scale, viewAlignment)
		cfg.ViewHeight = alignDown(float64(ht)*scale, viewAlignment)
	}
	return cfg
}

func (h *Host) baseResolution() (uint32, uint32) {
	w, ht := h.capability.DisplayWidth, h.capability.DisplayHeight
	if h.cfg.RenderWidth > 0 && h.cfg.RenderWidth < w {
		w = h.cfg.RenderWidth
	}
	if h.cfg.RenderHeight > 0 && h.cfg.RenderHeight < ht {
		ht = h.cfg.RenderHeight
	}
	return w, ht
}

// foveationParams tightens the configured foveation as bitrate headroom
// shrinks: at zero headroom the center is 25% smaller and the edge ratio
// 50% larger than configured.
func (h *Host) foveationParams() models.FoveationParams {
	p := h.cfg.Foveation
	if h.headroom == nil {
		return p
	}
	squeeze := float32(1 - clamp01(h.headroom.Headroom()))
	if squeeze == 0 {
		return p
	}
	p.CenterSizeX = quantize(p.CenterSizeX * (1 - 0.25*squeeze))
	p.CenterSizeY = quantize(p.CenterSizeY * (1 - 0.25*squeeze))
	p.EdgeRatioX = quantize(max(1, p.EdgeRatioX*(1+0.5*squeeze)))
	p.EdgeRatioY = quantize(max(1, p.EdgeRatioY*(1+0.5*squeeze)))
	return p
}

func (h *Host) pickCodec() (string, bool) {
	for _, c := range h.cfg.Codecs {
		if h.capability.SupportsCodec(c) {
			return c, true
		}
	}
	return "", false
}

func (h *Host) pickRefreshRate() float32 {
	if h.cfg.RefreshRate > 0 {
		for _, r := range h.capability.RefreshRates {
			if r == h.cfg.RefreshRate {
				return r
			}
		}
	}
	return h.capability.MaxRefreshRate()
}

func validateCapability(c models.ClientCapability) error {
	if c.DisplayWidth == 0 || c.DisplayHeight == 0 {
		return fmt.Errorf("%w: display %dx%d", models.ErrInvalidConfig, c.DisplayWidth, c.DisplayHeight)
	}
	if c.MaxRefreshRate() <= 0 {
		return fmt.Errorf("%w: no refresh rates advertised", models.ErrInvalidConfig)
	}
	if len(c.Codecs) == 0 {
		return errors.New("headset advertised no decoders")
	}
	return nil
}

func compatible(sess *models.NegotiatedSession, c models.ClientCapability) bool {
	if sess.Config.ViewWidth > c.DisplayWidth || sess.Config.ViewHeight > c.DisplayHeight {
		return false
	}
	if !c.SupportsCodec(sess.Codec.Codec) {
		return false
	}
	for _, r := range c.RefreshRates {
		if r == sess.RefreshRate {
			return true
		}
	}
	return false
}

func alignDown(v float64, align uint32) uint32 {
	n := uint32(v) / align * align
	if n == 0 {
		return align
	}
	return n
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// quantize rounds to 1/1000 so proposals print and compare cleanly.
func quantize(v float32) float32 {
	return float32(math.Round(float64(v)*1000) / 1000)
}
