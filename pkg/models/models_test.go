package models

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestPose_EyeViews_identity(t *testing.T) {
	p := Pose{Orientation: IdentityOrientation, Position: [3]float32{0, 1.6, 0}}
	views := p.EyeViews(0.064)
	if math.Abs(float64(views[0].Position[0]+0.032)) > 1e-6 {
		t.Errorf("left eye x: got %v", views[0].Position[0])
	}
	if math.Abs(float64(views[1].Position[0]-0.032)) > 1e-6 {
		t.Errorf("right eye x: got %v", views[1].Position[0])
	}
	if views[0].Position[1] != 1.6 {
		t.Errorf("eye height should be preserved, got %v", views[0].Position[1])
	}
}

func TestPose_EyeViews_rotated(t *testing.T) {
	// 90 degrees about Y: local +X points to world -Z.
	s := float32(math.Sqrt(0.5))
	p := Pose{Orientation: [4]float32{0, s, 0, s}}
	views := p.EyeViews(2)
	right := views[1].Position
	if math.Abs(float64(right[0])) > 1e-5 || math.Abs(float64(right[2]+1)) > 1e-5 {
		t.Errorf("right eye after yaw: got %v, want (0,0,-1)", right)
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	ok := StreamConfig{ViewWidth: 1600, ViewHeight: 1600, FoveationEnabled: true,
		FoveationParams: FoveationParams{CenterSizeX: 0.5, CenterSizeY: 0.5, EdgeRatioX: 4, EdgeRatioY: 4}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	disabled := StreamConfig{ViewWidth: 100, ViewHeight: 100}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled foveation should skip ratio checks: %v", err)
	}

	bad := ok
	bad.ViewHeight = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero height: got %v", err)
	}
	bad = ok
	bad.CenterSizeY = 1.5
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("center size > 1: got %v", err)
	}
	bad = ok
	bad.CenterShiftX = -2
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("shift < -1: got %v", err)
	}
	bad = ok
	bad.EdgeRatioX = 0.9
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("edge ratio < 1: got %v", err)
	}
}

func TestSession_sequence_starts_at_zero_and_is_unique(t *testing.T) {
	s := NewSession("s1", StreamConfig{ViewWidth: 1, ViewHeight: 1}, CodecParams{Codec: "h264"}, 90)
	if s.PeekSequence() != 0 {
		t.Fatalf("fresh session should start at 0, got %d", s.PeekSequence())
	}

	const n = 500
	seen := make(map[uint64]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := s.NextSequence()
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d unique sequence numbers, got %d", n, len(seen))
	}
	if s.PeekSequence() != n {
		t.Errorf("expected next sequence %d, got %d", n, s.PeekSequence())
	}
}

func TestSession_state_transitions(t *testing.T) {
	s := NewSession("s1", StreamConfig{ViewWidth: 1, ViewHeight: 1}, CodecParams{}, 72)
	if !s.IsActive() {
		t.Fatal("new session should be active")
	}
	s.SetState(SessionStateInvalidated)
	if s.IsActive() || s.ClosedAt == nil {
		t.Error("invalidated session should be inactive with ClosedAt set")
	}
	if s.FrameInterval() <= 0 {
		t.Error("frame interval should be positive")
	}
}

func TestMessages_envelope(t *testing.T) {
	cfg := StreamConfig{ViewWidth: 1600, ViewHeight: 1600, FoveationEnabled: true,
		FoveationParams: FoveationParams{CenterSizeX: 0.5, CenterSizeY: 0.4, EdgeRatioX: 4, EdgeRatioY: 5}}
	data, err := EncodeMessage(MsgProposal, Proposal{SessionID: "abc", Config: cfg, RefreshRate: 90})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.T != MsgProposal {
		t.Errorf("type: got %q", env.T)
	}
	var p Proposal
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Config != cfg {
		t.Errorf("config changed on the wire: %+v", p.Config)
	}
}

func TestMessages_flat_stream_config_fields(t *testing.T) {
	data, err := json.Marshal(StreamConfig{ViewWidth: 10, ViewHeight: 20, FoveationParams: FoveationParams{CenterSizeX: 0.5}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"viewWidth", "viewHeight", "foveationEnabled", "centerSizeX", "centerShiftY", "edgeRatioY"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing wire field %q in %s", k, data)
		}
	}
}

func TestDecodeEnvelope_rejects_untyped(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"p":{}}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestFrameBudget_BitsPerFrame(t *testing.T) {
	b := FrameBudget{TargetBitrate: 90_000_000, FrameInterval: 11_111_111}
	if got := b.BitsPerFrame(); got < 999_000 || got > 1_001_000 {
		t.Errorf("bits per frame: got %d", got)
	}
}
