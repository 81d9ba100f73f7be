package models

import "time"

// FrameBudget is the controller's view of the current per-frame budget.
// It is a snapshot; the BitrateController owns the live copy.
type FrameBudget struct {
	TargetBitrate uint64        // bits per second
	FrameInterval time.Duration // derived from refresh rate
	LatencyBudget time.Duration // encode+transmit allowance after offset/maximum

	// Exponential moving averages of recent samples, milliseconds
	EncodeTimeMs    float64
	NetworkRTTMs    float64
	DecodeTimeMs    float64
	FrameIntervalMs float64

	Samples uint64 // observations folded in so far
}

// BitsPerFrame is the encoder size target for one frame at the current bitrate.
func (b FrameBudget) BitsPerFrame() uint64 {
	if b.FrameInterval <= 0 {
		return 0
	}
	return uint64(float64(b.TargetBitrate) * b.FrameInterval.Seconds())
}
