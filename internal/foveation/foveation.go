// Package foveation computes the non-uniform resolution mapping that shrinks a
// rendered view before encoding and restores it after decoding.
//
// Each axis is split into a center band kept at full density and two edges
// whose density falls off smoothly. The edge mapping is quadratic in the
// compressed domain:
//
//	full(s) = s + k*s²,  k = (E - S) / S²
//
// where E is the edge width in the full view and S = E/edgeRatio its width
// after compaction. The slope is 1 at the center boundary, so density is
// continuous, and the inverse has a closed form. Host and headset derive the
// same Geometry from the same StreamConfig, which keeps compaction and
// expansion exact inverses.
package foveation

import (
	"fmt"
	"math"

	"vrlink/pkg/models"
)

// encoderAlignment is the pixel multiple the encoder wants for frame sizes.
const encoderAlignment = 32

// Axis is the mapping along one dimension.
type Axis struct {
	Target      uint32  // full view size in pixels
	Optimized   uint32  // compacted size, rounded up to encoderAlignment
	CenterSize  float64 // aligned center fraction
	CenterShift float64 // aligned center shift
	EdgeRatio   float64
	Scale       float64 // compacted size / target size, before rounding
	FillRatio   float64 // share of the optimized size covered by content

	lo, hi float64 // center band in full coordinates
	left   edge
	right  edge
}

// edge holds the constants of one quadratic edge segment.
type edge struct {
	full       float64 // width in full coordinates
	compressed float64 // width in compacted coordinates
	k          float64
}

// Geometry is the complete per-view foveation mapping.
type Geometry struct {
	Enabled bool
	X       Axis
	Y       Axis
}

// Compute derives the Geometry for a view of width x height. It is a pure
// function. With enabled false the result is the identity mapping whatever
// params hold.
func Compute(width, height uint32, enabled bool, params models.FoveationParams) (Geometry, error) {
	if width == 0 || height == 0 {
		return Geometry{}, fmt.Errorf("%w: view %dx%d", models.ErrInvalidConfig, width, height)
	}
	if !enabled {
		return Geometry{X: identityAxis(width), Y: identityAxis(height)}, nil
	}
	if err := params.Validate(); err != nil {
		return Geometry{}, err
	}

	return Geometry{
		Enabled: true,
		X:       newAxis(width, float64(params.CenterSizeX), float64(params.CenterShiftX), float64(params.EdgeRatioX)),
		Y:       newAxis(height, float64(params.CenterSizeY), float64(params.CenterShiftY), float64(params.EdgeRatioY)),
	}, nil
}

// FromConfig computes the Geometry for a negotiated StreamConfig.
func FromConfig(cfg models.StreamConfig) (Geometry, error) {
	return Compute(cfg.ViewWidth, cfg.ViewHeight, cfg.FoveationEnabled, cfg.FoveationParams)
}

func identityAxis(size uint32) Axis {
	return Axis{
		Target:     size,
		Optimized:  size,
		CenterSize: 1,
		EdgeRatio:  1,
		Scale:      1,
		FillRatio:  1,
		lo:         0,
		hi:         1,
	}
}

func newAxis(target uint32, centerSize, centerShift, edgeRatio float64) Axis {
	t := float64(target)

	// Align the edges to whole blocks of 2*edgeRatio pixels so the compacted
	// edge maps onto an integer number of pixels.
	block := 2 * edgeRatio
	edgeSize := t - centerSize*t
	sizeAligned := clamp(1-math.Ceil(edgeSize/block)*block/t, 0, 1)

	edgeAligned := t - sizeAligned*t
	shiftAligned := 0.0
	if edgeAligned > 0 {
		shiftAligned = clamp(math.Ceil(centerShift*edgeAligned/block)*block/edgeAligned, -1, 1)
	}

	scale := sizeAligned + (1-sizeAligned)/edgeRatio
	optimized := scale * t
	optimizedAligned := uint32(math.Ceil(optimized/encoderAlignment)) * encoderAlignment

	c0 := (1 - sizeAligned) / 2
	lo := c0 * (shiftAligned + 1)
	hi := lo + sizeAligned

	return Axis{
		Target:      target,
		Optimized:   optimizedAligned,
		CenterSize:  sizeAligned,
		CenterShift: shiftAligned,
		EdgeRatio:   edgeRatio,
		Scale:       scale,
		FillRatio:   optimized / float64(optimizedAligned),
		lo:          lo,
		hi:          hi,
		left:        newEdge(lo, edgeRatio),
		right:       newEdge(1-hi, edgeRatio),
	}
}

func newEdge(full, edgeRatio float64) edge {
	e := edge{full: full, compressed: full / edgeRatio}
	if e.compressed > 0 {
		e.k = (e.full - e.compressed) / (e.compressed * e.compressed)
	}
	return e
}

// compact maps a distance into the edge (full coordinates) to compacted units.
func (e edge) compact(d float64) float64 {
	if e.k == 0 {
		return d
	}
	return (math.Sqrt(1+4*e.k*d) - 1) / (2 * e.k)
}

// expand is the inverse of compact.
func (e edge) expand(s float64) float64 {
	return s + e.k*s*s
}

// Compact maps a normalized full-view coordinate u in [0,1] to the normalized
// coordinate in the optimized (encoded) view.
func (a Axis) Compact(u float64) float64 {
	u = clamp(u, 0, 1)
	var v float64
	switch {
	case u < a.lo:
		v = a.left.compressed - a.left.compact(a.lo-u)
	case u <= a.hi:
		v = a.left.compressed + (u - a.lo)
	default:
		v = a.left.compressed + a.CenterSize + a.right.compact(u-a.hi)
	}
	return v / a.Scale * a.FillRatio
}

// Expand maps a normalized coordinate in the optimized view back to the full
// view. Expand(Compact(u)) == u up to float rounding.
func (a Axis) Expand(w float64) float64 {
	v := clamp(w/a.FillRatio, 0, 1) * a.Scale
	centerStart := a.left.compressed
	centerEnd := centerStart + a.CenterSize
	switch {
	case v < centerStart:
		return a.lo - a.left.expand(centerStart-v)
	case v <= centerEnd:
		return a.lo + (v - centerStart)
	default:
		return a.hi + a.right.expand(v-centerEnd)
	}
}

// Density returns the sampling density (compacted pixels per full pixel,
// before rounding) at full-view coordinate u. It is 1 inside the center band.
func (a Axis) Density(u float64) float64 {
	u = clamp(u, 0, 1)
	switch {
	case u < a.lo:
		return 1 / math.Sqrt(1+4*a.left.k*(a.lo-u))
	case u <= a.hi:
		return 1
	default:
		return 1 / math.Sqrt(1+4*a.right.k*(u-a.hi))
	}
}

// OptimizedSize is the per-view size handed to the encoder.
func (g Geometry) OptimizedSize() (uint32, uint32) {
	return g.X.Optimized, g.Y.Optimized
}

// TargetSize is the per-view size the headset presents.
func (g Geometry) TargetSize() (uint32, uint32) {
	return g.X.Target, g.Y.Target
}

// EncodedFrameSize is the size of the side-by-side stereo frame.
func (g Geometry) EncodedFrameSize() (uint32, uint32) {
	return 2 * g.X.Optimized, g.Y.Optimized
}

// Compact maps a full-view point to the optimized view.
func (g Geometry) Compact(u, v float64) (float64, float64) {
	return g.X.Compact(u), g.Y.Compact(v)
}

// Expand maps an optimized-view point back to the full view.
func (g Geometry) Expand(u, v float64) (float64, float64) {
	return g.X.Expand(u), g.Y.Expand(v)
}

// ExpandSize returns the full view size for a decoded view of the given size.
// It fails if the size does not match this geometry's optimized size.
func (g Geometry) ExpandSize(width, height uint32) (uint32, uint32, error) {
	if width != g.X.Optimized || height != g.Y.Optimized {
		return 0, 0, fmt.Errorf("%w: decoded view %dx%d does not match %dx%d",
			models.ErrInvalidConfig, width, height, g.X.Optimized, g.Y.Optimized)
	}
	return g.X.Target, g.Y.Target, nil
}

// PixelSavings is the fraction of pixels removed by compaction.
func (g Geometry) PixelSavings() float64 {
	full := float64(g.X.Target) * float64(g.Y.Target)
	opt := float64(g.X.Optimized) * float64(g.Y.Optimized)
	if full == 0 {
		return 0
	}
	return 1 - opt/full
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
