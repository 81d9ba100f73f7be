package models

import "math"

// Fov holds the four half-angles of one eye's field of view, in radians.
// Left and Bottom are usually negative.
type Fov struct {
	Left   float32 `json:"left"`
	Right  float32 `json:"right"`
	Top    float32 `json:"top"`
	Bottom float32 `json:"bottom"`
}

// Pose is a single head tracking sample. It is immutable once sampled and is
// copied by value into every frame that was rendered against it.
type Pose struct {
	Orientation [4]float32 `json:"orientation"` // x, y, z, w (unit quaternion)
	Position    [3]float32 `json:"position"`    // meters
	Fov         [2]Fov     `json:"fov"`         // left eye, right eye
	TimestampNs int64      `json:"timestampNs"` // PoseClock time, monotonic
}

// ViewInput is what the render backend needs for one eye.
type ViewInput struct {
	Orientation [4]float32
	Position    [3]float32
	Fov         Fov
}

// IdentityOrientation is the quaternion for "looking straight ahead".
var IdentityOrientation = [4]float32{0, 0, 0, 1}

// EyeViews splits the head pose into per-eye views separated by ipd meters
// along the head's local X axis.
func (p Pose) EyeViews(ipd float32) [2]ViewInput {
	half := ipd / 2
	left := rotate(p.Orientation, [3]float32{-half, 0, 0})
	right := rotate(p.Orientation, [3]float32{half, 0, 0})

	var views [2]ViewInput
	for i, off := range [2][3]float32{left, right} {
		views[i] = ViewInput{
			Orientation: p.Orientation,
			Position: [3]float32{
				p.Position[0] + off[0],
				p.Position[1] + off[1],
				p.Position[2] + off[2],
			},
			Fov: p.Fov[i],
		}
	}
	return views
}

// IsUnit reports whether the orientation is a unit quaternion within tolerance.
func (p Pose) IsUnit() bool {
	q := p.Orientation
	n := float64(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	return math.Abs(n-1) < 1e-3
}

// rotate applies quaternion q (x, y, z, w) to vector v.
func rotate(q [4]float32, v [3]float32) [3]float32 {
	qx, qy, qz, qw := q[0], q[1], q[2], q[3]

	// t = 2 * cross(q.xyz, v)
	tx := 2 * (qy*v[2] - qz*v[1])
	ty := 2 * (qz*v[0] - qx*v[2])
	tz := 2 * (qx*v[1] - qy*v[0])

	// v' = v + w*t + cross(q.xyz, t)
	return [3]float32{
		v[0] + qw*tx + (qy*tz - qz*ty),
		v[1] + qw*ty + (qz*tx - qx*tz),
		v[2] + qw*tz + (qx*ty - qy*tx),
	}
}
