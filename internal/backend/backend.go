// Package backend declares the render and codec boundaries of the pipeline.
// Texture and buffer handles are opaque: the pipeline passes them through and
// never dereferences or frees them.
package backend

import (
	"context"
	"time"

	"vrlink/internal/foveation"
	"vrlink/pkg/models"
)

// RenderBackend renders eye views on the host and composites on the headset.
type RenderBackend interface {
	// BeginFrame renders both eyes for the given views and returns the
	// texture handles holding the result.
	BeginFrame(ctx context.Context, views [2]models.ViewInput) ([2]uint64, error)
	// PresentLobby draws the idle scene when no stream frame is available.
	PresentLobby(views [2]models.ViewInput, swapchainIndices [2]int)
	// PresentStream composites a decoded frame.
	PresentStream(decodedBuffer uint64, swapchainIndices [2]int)
}

// EncodeRequest is everything the encoder is told about one frame.
type EncodeRequest struct {
	Sequence      uint64
	Textures      [2]uint64
	Pose          models.Pose
	TargetBitrate uint64
	FrameInterval time.Duration
	Geometry      foveation.Geometry
	Codec         models.CodecParams
	ForceKeyFrame bool
}

// BitsPerFrame is the size target for this frame.
func (r EncodeRequest) BitsPerFrame() uint64 {
	return uint64(float64(r.TargetBitrate) * r.FrameInterval.Seconds())
}

// EncodeResult carries the compressed frame.
type EncodeResult struct {
	Payload    []byte
	IsKeyFrame bool
}

// Encoder compresses rendered textures.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) (EncodeResult, error)
}

// DecodeResult is a decoded frame: both eyes side by side, still compacted.
type DecodeResult struct {
	Buffer uint64
	Width  uint32
	Height uint32
}

// Decoder turns a received frame into a decoded buffer handle.
type Decoder interface {
	Decode(ctx context.Context, frame *models.EncodedFrame) (DecodeResult, error)
}

// StreamConfigurer is implemented by backends that size their surfaces for
// the accepted stream. It is called before the first frame of a session.
type StreamConfigurer interface {
	SetStreamConfig(cfg models.StreamConfig, geo foveation.Geometry) error
}
