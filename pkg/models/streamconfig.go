package models

import "fmt"

// FoveationParams controls the non-uniform resolution mapping per axis.
// CenterSize is the fraction of the view rendered at full density, CenterShift
// moves the center region within [-1, 1], EdgeRatio is the average compression
// of the periphery (1 = none).
type FoveationParams struct {
	CenterSizeX  float32 `json:"centerSizeX"`
	CenterSizeY  float32 `json:"centerSizeY"`
	CenterShiftX float32 `json:"centerShiftX"`
	CenterShiftY float32 `json:"centerShiftY"`
	EdgeRatioX   float32 `json:"edgeRatioX"`
	EdgeRatioY   float32 `json:"edgeRatioY"`
}

// StreamConfig is the negotiated view and foveation setup. It doubles as the
// negotiation wire message, so host and headset serialize it identically.
// A StreamConfig is replaced wholesale on renegotiation, never mutated.
type StreamConfig struct {
	ViewWidth        uint32 `json:"viewWidth"`
	ViewHeight       uint32 `json:"viewHeight"`
	FoveationEnabled bool   `json:"foveationEnabled"`
	FoveationParams
}

// Validate checks the StreamConfig invariants. Foveation parameters are only
// checked when foveation is enabled; a disabled config maps to identity.
func (c StreamConfig) Validate() error {
	if c.ViewWidth == 0 || c.ViewHeight == 0 {
		return fmt.Errorf("%w: view %dx%d", ErrInvalidConfig, c.ViewWidth, c.ViewHeight)
	}
	if !c.FoveationEnabled {
		return nil
	}
	return c.FoveationParams.Validate()
}

// Validate checks ratio ranges: sizes in (0,1], shifts in [-1,1], edge ratios >= 1.
func (f FoveationParams) Validate() error {
	for _, s := range []struct {
		name string
		v    float32
	}{{"centerSizeX", f.CenterSizeX}, {"centerSizeY", f.CenterSizeY}} {
		if s.v <= 0 || s.v > 1 {
			return fmt.Errorf("%w: %s=%v not in (0,1]", ErrInvalidConfig, s.name, s.v)
		}
	}
	for _, s := range []struct {
		name string
		v    float32
	}{{"centerShiftX", f.CenterShiftX}, {"centerShiftY", f.CenterShiftY}} {
		if s.v < -1 || s.v > 1 {
			return fmt.Errorf("%w: %s=%v not in [-1,1]", ErrInvalidConfig, s.name, s.v)
		}
	}
	for _, s := range []struct {
		name string
		v    float32
	}{{"edgeRatioX", f.EdgeRatioX}, {"edgeRatioY", f.EdgeRatioY}} {
		if s.v < 1 {
			return fmt.Errorf("%w: %s=%v below 1", ErrInvalidConfig, s.name, s.v)
		}
	}
	return nil
}

// Resolution formats the view size, e.g. "1600x1600".
func (c StreamConfig) Resolution() string {
	return fmt.Sprintf("%dx%d", c.ViewWidth, c.ViewHeight)
}
