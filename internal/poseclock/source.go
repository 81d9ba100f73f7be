package poseclock

import (
	"context"
	"math"

	"vrlink/pkg/models"
)

// Source is anything that can provide poses over time: the headset tracker,
// the network pose stream on the host, or a synthetic generator.
type Source interface {
	Sample(ctx context.Context) (models.Pose, error)
}

// BufferSource samples the latest pose published into a PoseBuffer. On the
// host this is fed by pose updates arriving from the headset.
type BufferSource struct {
	buf   *PoseBuffer
	clock *Clock
}

// NewBufferSource reads from buf. clock stamps the fallback pose used before
// any pose has arrived.
func NewBufferSource(buf *PoseBuffer, clock *Clock) *BufferSource {
	return &BufferSource{buf: buf, clock: clock}
}

// Sample implements Source.
func (s *BufferSource) Sample(_ context.Context) (models.Pose, error) {
	if p, ok := s.buf.Latest(); ok {
		return p, nil
	}
	return models.Pose{
		Orientation: models.IdentityOrientation,
		Fov:         DefaultFov(),
		TimestampNs: s.clock.Now(),
	}, nil
}

// syntheticSource generates a smoothly moving head.
type syntheticSource struct {
	clock *Clock
}

// NewSyntheticSource creates a source that sweeps the head yaw and pitch.
func NewSyntheticSource(clock *Clock) Source {
	return &syntheticSource{clock: clock}
}

func (s *syntheticSource) Sample(_ context.Context) (models.Pose, error) {
	ts := s.clock.Now()
	elapsed := float64(ts) / 1e9

	yaw := 0.6 * math.Sin(elapsed*0.5)
	pitch := 0.2 * math.Cos(elapsed*0.7)

	return models.Pose{
		Orientation: yawPitchToQuat(yaw, pitch),
		Position:    [3]float32{0, 1.6, 0},
		Fov:         DefaultFov(),
		TimestampNs: ts,
	}, nil
}

// DefaultFov is a typical standalone headset field of view.
func DefaultFov() [2]models.Fov {
	return [2]models.Fov{
		{Left: -0.942478, Right: 0.698132, Top: 0.733038, Bottom: -0.942478},
		{Left: -0.698132, Right: 0.942478, Top: 0.733038, Bottom: -0.942478},
	}
}

func yawPitchToQuat(yaw, pitch float64) [4]float32 {
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	// yaw about Y, then pitch about X
	return [4]float32{
		float32(cy * sp),
		float32(sy * cp),
		float32(-sy * sp),
		float32(cy * cp),
	}
}
