package bitrate

import (
	"fmt"
	"math"
	"strings"

	"vrlink/pkg/models"
)

// Policy is the step function applied when the controller decides to move
// the target. Implementations must keep Decrease at least as large as
// Increase for the same starting bitrate.
type Policy interface {
	Name() string
	Increase(current uint64) uint64
	Decrease(current uint64) uint64
	Validate() error
}

// Additive moves the target by a fixed number of bits per second.
//
//	up:   target + Up
//	down: target - Down (saturating at zero; the controller clamps to min)
type Additive struct {
	Up   uint64
	Down uint64
}

func (a Additive) Name() string { return "additive" }

func (a Additive) Increase(current uint64) uint64 {
	if current > math.MaxUint64-a.Up {
		return math.MaxUint64
	}
	return current + a.Up
}

func (a Additive) Decrease(current uint64) uint64 {
	if current < a.Down {
		return 0
	}
	return current - a.Down
}

func (a Additive) Validate() error {
	if a.Up == 0 {
		return fmt.Errorf("%w: additive up rate must be > 0", models.ErrInvalidConfig)
	}
	if a.Down < a.Up {
		return fmt.Errorf("%w: additive down rate %d below up rate %d", models.ErrInvalidConfig, a.Down, a.Up)
	}
	return nil
}

// Multiplicative scales the target by a fraction of its current value.
//
//	up:   target * (1 + Up)
//	down: target * (1 - Down)
type Multiplicative struct {
	Up   float64
	Down float64
}

func (m Multiplicative) Name() string { return "multiplicative" }

func (m Multiplicative) Increase(current uint64) uint64 {
	next := float64(current) * (1 + m.Up)
	if next >= math.MaxUint64 {
		return math.MaxUint64
	}
	// Always move by at least one bit so small targets still recover.
	if uint64(next) == current {
		return current + 1
	}
	return uint64(next)
}

func (m Multiplicative) Decrease(current uint64) uint64 {
	return uint64(math.Floor(float64(current) * (1 - m.Down)))
}

func (m Multiplicative) Validate() error {
	if m.Up <= 0 {
		return fmt.Errorf("%w: multiplicative up factor must be > 0", models.ErrInvalidConfig)
	}
	if m.Down <= 0 || m.Down >= 1 {
		return fmt.Errorf("%w: multiplicative down factor %v not in (0,1)", models.ErrInvalidConfig, m.Down)
	}
	if m.Down < m.Up {
		return fmt.Errorf("%w: multiplicative down factor %v below up factor %v", models.ErrInvalidConfig, m.Down, m.Up)
	}
	return nil
}

// ParsePolicy builds a Policy from its config name. For "additive" up and
// down are Mbps; for "multiplicative" they are fractions of the target.
func ParsePolicy(name string, up, down float64) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "additive":
		return Additive{Up: uint64(up * Mbps), Down: uint64(down * Mbps)}, nil
	case "multiplicative":
		return Multiplicative{Up: up, Down: down}, nil
	default:
		return nil, fmt.Errorf("%w: unknown bitrate policy %q", models.ErrInvalidConfig, name)
	}
}
