package transform

import (
	"errors"
	"fmt"
)

// ErrTooCloseToSun is returned by SunGuard.Check for targets inside the
// avoidance radius.
var ErrTooCloseToSun = errors.New("target too close to the Sun")

// ErrNoEphemeris is returned by SunGuard.Check when avoidance is enabled
// but no Sun position source was given.
var ErrNoEphemeris = errors.New("no Sun ephemeris configured")

// SunFunc returns the current topocentric position of the Sun.
type SunFunc func(loc Location) Horizontal

// SunGuard rejects targets within Radius degrees of the Sun.
// A zero Radius disables the check.
type SunGuard struct {
	Location Location
	Radius   float64
	// Sun is required when Radius is set.
	Sun SunFunc
}

// Check returns an error wrapping ErrTooCloseToSun if target is unsafe.
// Targets are compared only while the Sun is above the horizon.
func (g SunGuard) Check(target Horizontal) error {
	if g.Radius <= 0 {
		return nil
	}
	if g.Sun == nil {
		return ErrNoEphemeris
	}
	sun := g.Sun(g.Location)
	if sun.Alt < -g.Radius {
		return nil
	}
	if sep := Separation(sun, target); sep < g.Radius {
		return fmt.Errorf("%w: %.1f° from Sun (minimum %.1f°)", ErrTooCloseToSun, sep, g.Radius)
	}
	return nil
}
