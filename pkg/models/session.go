package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionState represents the lifecycle of a negotiated session
type SessionState string

const (
	SessionStateNegotiating SessionState = "negotiating"
	SessionStateActive      SessionState = "active"
	SessionStateInvalidated SessionState = "invalidated"
	SessionStateClosed      SessionState = "closed"
)

// EncoderTuning holds codec knobs passed verbatim to the encoder backend.
// The streaming core never interprets them.
type EncoderTuning struct {
	RateControlMode       int64 `json:"rateControlMode"`
	GopLength             int64 `json:"gopLength"`
	EnableIntraRefresh    bool  `json:"enableIntraRefresh"`
	IntraRefreshPeriod    int64 `json:"intraRefreshPeriod"`
	IntraRefreshCount     int64 `json:"intraRefreshCount"`
	MaxNumRefFrames       int64 `json:"maxNumRefFrames"`
	QualityPreset         int64 `json:"qualityPreset"`
	EntropyCoding         int64 `json:"entropyCoding"`
	MultiPass             int64 `json:"multiPass"`
	AdaptiveQuantization  int64 `json:"adaptiveQuantization"`
	WeightedPrediction    bool  `json:"weightedPrediction"`
	PFrameStrategy        int64 `json:"pFrameStrategy"`
	LowDelayKeyFrameScale int64 `json:"lowDelayKeyFrameScale"`
	RcBufferSize          int64 `json:"rcBufferSize"`
	RcInitialDelay        int64 `json:"rcInitialDelay"`
	Use10BitEncoder       bool  `json:"use10BitEncoder"`
}

// CodecParams is the codec part of a negotiated session.
type CodecParams struct {
	Codec  string        `json:"codec"` // "h264", "hevc"
	Tuning EncoderTuning `json:"tuning"`
}

// NegotiatedSession pairs the agreed StreamConfig with codec parameters.
// At most one is active per headset connection; it is created at connect and
// destroyed on disconnect or renegotiation.
type NegotiatedSession struct {
	ID          string       // Unique session identifier
	Config      StreamConfig // Replaced wholesale by renegotiation
	Codec       CodecParams
	RefreshRate float32   // Hz agreed with the headset
	CreatedAt   time.Time // When the headset acknowledged the proposal
	ClosedAt    *time.Time

	state SessionState
	seq   atomic.Uint64 // next sequence number to hand out

	// Stats
	Stats SessionStats

	mu sync.RWMutex
}

// SessionStats tracks per-session frame accounting
type SessionStats struct {
	FramesSampled uint64
	FramesSent    uint64
	FramesAcked   uint64
	FramesDropped uint64
	BytesSent     uint64
	LastFrameTime time.Time
	LastAckTime   time.Time
	TargetBitrate uint64
}

// NewSession creates an active session whose sequence counter starts at 0.
func NewSession(id string, cfg StreamConfig, codec CodecParams, refreshRate float32) *NegotiatedSession {
	return &NegotiatedSession{
		ID:          id,
		Config:      cfg,
		Codec:       codec,
		RefreshRate: refreshRate,
		CreatedAt:   time.Now(),
		state:       SessionStateActive,
	}
}

// NextSequence returns the next frame sequence number. Numbers are unique and
// strictly increasing for the lifetime of the session.
func (s *NegotiatedSession) NextSequence() uint64 {
	return s.seq.Add(1) - 1
}

// PeekSequence returns the sequence number the next frame will get.
func (s *NegotiatedSession) PeekSequence() uint64 {
	return s.seq.Load()
}

// FrameInterval is the refresh period of the session.
func (s *NegotiatedSession) FrameInterval() time.Duration {
	if s.RefreshRate <= 0 {
		return time.Second / 72
	}
	return time.Duration(float64(time.Second) / float64(s.RefreshRate))
}

// SetState safely updates the session state
func (s *NegotiatedSession) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state

	if state == SessionStateInvalidated || state == SessionStateClosed {
		if s.ClosedAt == nil {
			now := time.Now()
			s.ClosedAt = &now
		}
	}
}

// GetState safely returns the current session state
func (s *NegotiatedSession) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsActive reports whether frames may still be produced for this session.
func (s *NegotiatedSession) IsActive() bool {
	return s.GetState() == SessionStateActive
}

// RecordSampled counts a frame entering the pipeline
func (s *NegotiatedSession) RecordSampled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.FramesSampled++
}

// RecordSent updates stats for a transmitted frame
func (s *NegotiatedSession) RecordSent(frame *EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.FramesSent++
	s.Stats.BytesSent += uint64(frame.PayloadSize())
	s.Stats.LastFrameTime = time.Now()
	s.Stats.TargetBitrate = frame.TargetBitrate
}

// RecordAcked counts an acknowledged frame
func (s *NegotiatedSession) RecordAcked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.FramesAcked++
	s.Stats.LastAckTime = time.Now()
}

// RecordDropped counts a dropped frame
func (s *NegotiatedSession) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.FramesDropped++
}

// GetStats returns a copy of the session statistics
func (s *NegotiatedSession) GetStats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats
}
