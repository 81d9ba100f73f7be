package negotiator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"vrlink/internal/bitrate"
	"vrlink/internal/logger"
	"vrlink/pkg/models"
)

type fixedHeadroom float64

func (f fixedHeadroom) Headroom() float64 { return float64(f) }

func testCapability() models.ClientCapability {
	return models.ClientCapability{
		DeviceName:    "test-headset",
		DisplayWidth:  2000,
		DisplayHeight: 2000,
		RefreshRates:  []float32{72, 90},
		Codecs:        []string{"h264", "hevc"},
		IPD:           0.063,
	}
}

func hostConfig() Config {
	return Config{
		MaxAttempts:      3,
		RenderWidth:      1600,
		RenderHeight:     1600,
		RefreshRate:      90,
		FoveationEnabled: true,
		Foveation: models.FoveationParams{
			CenterSizeX: 0.5, CenterSizeY: 0.5,
			EdgeRatioX: 4, EdgeRatioY: 4,
		},
		Codecs: []string{"hevc", "h264"},
	}
}

func newHost(cfg Config, headroom HeadroomSource) *Host {
	h := NewHost(cfg, headroom, nil, logger.Discard())
	n := 0
	h.newID = func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
	return h
}

// loopback answers proposals with a Client in-process.
type loopback struct {
	client    *Client
	proposals []models.Proposal
	replies   []models.ProposalReply
}

func (l *loopback) SendProposal(p models.Proposal) error {
	l.proposals = append(l.proposals, p)
	l.replies = append(l.replies, l.client.Evaluate(p))
	return nil
}

func (l *loopback) AwaitReply(ctx context.Context) (models.ProposalReply, error) {
	if err := ctx.Err(); err != nil {
		return models.ProposalReply{}, err
	}
	r := l.replies[0]
	l.replies = l.replies[1:]
	return r, nil
}

func TestNegotiate_example_session(t *testing.T) {
	h := newHost(hostConfig(), fixedHeadroom(1))
	peer := &loopback{client: NewClient(testCapability())}

	sess, err := h.Negotiate(context.Background(), testCapability(), peer)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(peer.proposals) != 1 {
		t.Fatalf("expected a single round trip, got %d proposals", len(peer.proposals))
	}

	p := peer.proposals[0]
	want := models.StreamConfig{
		ViewWidth: 1600, ViewHeight: 1600, FoveationEnabled: true,
		FoveationParams: models.FoveationParams{CenterSizeX: 0.5, CenterSizeY: 0.5, EdgeRatioX: 4, EdgeRatioY: 4},
	}
	if p.Config != want {
		t.Errorf("proposal config: got %+v", p.Config)
	}
	if p.RefreshRate != 90 || p.Codec.Codec != "hevc" {
		t.Errorf("proposal refresh/codec: %v %s", p.RefreshRate, p.Codec.Codec)
	}

	if sess.ID != p.SessionID || sess.Config != want {
		t.Errorf("session does not match proposal: %+v", sess)
	}
	if sess.PeekSequence() != 0 {
		t.Errorf("sequence counter should start at 0, got %d", sess.PeekSequence())
	}
	if !sess.IsActive() || h.State() != StateEstablished || h.Session() != sess {
		t.Error("host should hold exactly the established session")
	}
}

func TestNegotiate_fallback_ladder(t *testing.T) {
	h := newHost(hostConfig(), fixedHeadroom(1))
	client := NewClient(testCapability())
	client.AllowFoveation = false
	client.MaxViewPixels = 1300 * 1300
	peer := &loopback{client: client}

	sess, err := h.Negotiate(context.Background(), testCapability(), peer)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(peer.proposals) != 3 {
		t.Fatalf("expected 3 proposals, got %d", len(peer.proposals))
	}
	if !peer.proposals[0].Config.FoveationEnabled {
		t.Error("first proposal should be foveated")
	}
	if peer.proposals[1].Config.FoveationEnabled || peer.proposals[1].Config.ViewWidth != 1600 {
		t.Errorf("second proposal should drop foveation only: %+v", peer.proposals[1].Config)
	}
	if got := sess.Config; got.ViewWidth != 1200 || got.ViewHeight != 1200 || got.FoveationEnabled {
		t.Errorf("third proposal should reduce resolution to 1200: %+v", got)
	}
	for i := 1; i < len(peer.proposals); i++ {
		if peer.proposals[i].SessionID == peer.proposals[i-1].SessionID {
			t.Error("each proposal needs a fresh session id")
		}
	}
}

func TestNegotiate_fails_after_max_attempts(t *testing.T) {
	h := newHost(hostConfig(), nil)
	client := NewClient(testCapability())
	client.MaxViewPixels = 10
	peer := &loopback{client: client}

	_, err := h.Negotiate(context.Background(), testCapability(), peer)
	if !errors.Is(err, models.ErrSessionEstablishment) || !errors.Is(err, models.ErrConfigRejected) {
		t.Fatalf("expected establishment failure wrapping config rejection, got %v", err)
	}
	if len(peer.proposals) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(peer.proposals))
	}
	if h.State() != StateFailed || h.Session() != nil {
		t.Error("host should be failed without a session")
	}
}

func TestNegotiate_reply_error(t *testing.T) {
	h := newHost(hostConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Negotiate(ctx, testCapability(), &loopback{client: NewClient(testCapability())})
	if !errors.Is(err, models.ErrSessionEstablishment) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected establishment failure from cancelled context, got %v", err)
	}
}

func TestHandleReply_rejects_unknown_proposal(t *testing.T) {
	h := newHost(hostConfig(), nil)
	if _, _, err := h.HandleReply(models.ProposalReply{SessionID: "x", Accepted: true}); err == nil {
		t.Error("reply without a pending proposal should fail")
	}
	if _, err := h.Begin(testCapability()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, err := h.HandleReply(models.ProposalReply{SessionID: "x", Accepted: true}); err == nil {
		t.Error("reply for another proposal should fail")
	}
}

func TestBegin_requires_common_codec(t *testing.T) {
	h := newHost(hostConfig(), nil)
	c := testCapability()
	c.Codecs = []string{"av1"}
	if _, err := h.Begin(c); !errors.Is(err, models.ErrSessionEstablishment) {
		t.Errorf("expected establishment error, got %v", err)
	}
}

func TestBegin_clamps_to_display(t *testing.T) {
	cfg := hostConfig()
	cfg.RenderWidth, cfg.RenderHeight = 4000, 4000
	h := newHost(cfg, nil)
	p, err := h.Begin(testCapability())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if p.Config.ViewWidth != 2000 || p.Config.ViewHeight != 2000 {
		t.Errorf("proposal should not exceed the display: %s", p.Config.Resolution())
	}
}

func TestFoveation_tightens_with_low_headroom(t *testing.T) {
	h := newHost(hostConfig(), fixedHeadroom(0))
	p, err := h.Begin(testCapability())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if p.Config.CenterSizeX != 0.375 || p.Config.EdgeRatioX != 6 {
		t.Errorf("expected center 0.375 and edge 6 at zero headroom, got %+v", p.Config.FoveationParams)
	}
}

func TestOnResize(t *testing.T) {
	h := newHost(hostConfig(), fixedHeadroom(1))
	sess, err := h.Negotiate(context.Background(), testCapability(), &loopback{client: NewClient(testCapability())})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	bigger := testCapability()
	bigger.DisplayWidth = 2400
	if _, restarted, err := h.OnResize(bigger); err != nil || restarted {
		t.Fatalf("compatible resize should keep the session: restarted=%v err=%v", restarted, err)
	}
	if !sess.IsActive() {
		t.Fatal("session should still be active")
	}

	smaller := testCapability()
	smaller.DisplayWidth, smaller.DisplayHeight = 1440, 1440
	p, restarted, err := h.OnResize(smaller)
	if err != nil || !restarted {
		t.Fatalf("incompatible resize should restart: restarted=%v err=%v", restarted, err)
	}
	if sess.IsActive() {
		t.Error("old session should be invalidated")
	}
	if p.SessionID == sess.ID || p.Config.ViewWidth != 1440 {
		t.Errorf("new proposal should carry a new id and fit the display: %+v", p)
	}

	next, _, err := h.HandleReply(NewClient(smaller).Evaluate(p))
	if err != nil {
		t.Fatalf("HandleReply: %v", err)
	}
	if next.PeekSequence() != 0 {
		t.Error("renegotiated session should start a fresh sequence counter")
	}
}

func TestRenegotiate(t *testing.T) {
	h := newHost(hostConfig(), fixedHeadroom(1))
	peer := &loopback{client: NewClient(testCapability())}
	first, err := h.Negotiate(context.Background(), testCapability(), peer)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	same, changed, err := h.Renegotiate(context.Background(), testCapability(), peer)
	if err != nil || changed || same != first {
		t.Fatalf("unchanged capability: sess=%v changed=%v err=%v", same, changed, err)
	}

	smaller := testCapability()
	smaller.DisplayWidth, smaller.DisplayHeight = 1200, 1200
	peer.client = NewClient(smaller)
	next, changed, err := h.Renegotiate(context.Background(), smaller, peer)
	if err != nil || !changed {
		t.Fatalf("Renegotiate: changed=%v err=%v", changed, err)
	}
	if next.ID == first.ID || next.Config.ViewWidth != 1200 {
		t.Errorf("renegotiated session = %+v", next.Config)
	}
	if first.IsActive() {
		t.Error("first session should be invalidated")
	}
	if h.State() != StateEstablished {
		t.Errorf("state = %s", h.State())
	}
}

func TestClient_Evaluate(t *testing.T) {
	c := NewClient(testCapability())
	base := models.Proposal{
		SessionID:   "s",
		Config:      models.StreamConfig{ViewWidth: 1600, ViewHeight: 1600},
		Codec:       models.CodecParams{Codec: "h264"},
		RefreshRate: 72,
	}
	if r := c.Evaluate(base); !r.Accepted || r.SessionID != "s" {
		t.Fatalf("expected acceptance, got %+v", r)
	}

	rejects := map[string]func(p *models.Proposal){
		"too wide":        func(p *models.Proposal) { p.Config.ViewWidth = 2100 },
		"unknown codec":   func(p *models.Proposal) { p.Codec.Codec = "vp9" },
		"unknown refresh": func(p *models.Proposal) { p.RefreshRate = 120 },
		"invalid config":  func(p *models.Proposal) { p.Config.FoveationEnabled = true },
	}
	for name, mutate := range rejects {
		p := base
		mutate(&p)
		if r := c.Evaluate(p); r.Accepted || r.Reason == "" {
			t.Errorf("%s: expected rejection with reason, got %+v", name, r)
		}
	}
}

func TestNegotiate_fresh_controller_keeps_configured_foveation(t *testing.T) {
	ctrl, err := bitrate.New(bitrate.DefaultConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("bitrate.New: %v", err)
	}
	h := newHost(hostConfig(), ctrl)
	peer := &loopback{client: NewClient(testCapability())}

	if _, err := h.Negotiate(context.Background(), testCapability(), peer); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got, want := peer.proposals[0].Config.FoveationParams, hostConfig().Foveation; got != want {
		t.Errorf("first proposal foveation: got %+v, want %+v", got, want)
	}
}
