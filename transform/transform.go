// Package transform converts between the horizontal (Alt/Az) and equatorial
// (RA/Dec) frames for an observer on the ground.
//
// All angles are in decimal degrees. Azimuth is measured from North,
// increasing towards East. Right ascension is in degrees, not hours.
package transform

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// Equatorial is a position in the equatorial frame.
type Equatorial struct {
	RA  float64 `json:"ra" yaml:"ra"`
	Dec float64 `json:"dec" yaml:"dec"`
}

// Horizontal is a position in the horizontal frame.
type Horizontal struct {
	Alt float64 `json:"alt" yaml:"alt"`
	Az  float64 `json:"az" yaml:"az"`
}

// Location is the observer's geodetic position. Longitude is positive east.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	// Elevation is in metres above sea level.
	Elevation float64 `json:"elevation" yaml:"elevation"`
}

// Transformer converts between frames for a location and instant.
// Implementations must be pure.
type Transformer interface {
	ToEquatorial(h Horizontal, loc Location, t time.Time) Equatorial
	ToHorizontal(e Equatorial, loc Location, t time.Time) Horizontal
}

// Spherical is the default Transformer. It uses mean sidereal time and plain
// spherical trigonometry; precession, nutation and refraction are ignored.
type Spherical struct{}

var _ Transformer = Spherical{}

func (Spherical) ToEquatorial(h Horizontal, loc Location, t time.Time) Equatorial {
	return ToEquatorial(h, loc, t)
}

func (Spherical) ToHorizontal(e Equatorial, loc Location, t time.Time) Horizontal {
	return ToHorizontal(e, loc, t)
}

// ToEquatorial converts an Alt/Az position to RA/Dec.
func ToEquatorial(h Horizontal, loc Location, t time.Time) Equatorial {
	ha, dec := equhor_deg(h.Az, h.Alt, loc.Latitude)
	return Equatorial{
		RA:  Wrap360(LocalSiderealTime(loc, t) - ha),
		Dec: dec,
	}
}

// ToHorizontal converts an RA/Dec position to Alt/Az.
func ToHorizontal(e Equatorial, loc Location, t time.Time) Horizontal {
	ha := Wrap360(LocalSiderealTime(loc, t) - e.RA)
	az, alt := equhor_deg(ha, e.Dec, loc.Latitude)
	return Horizontal{Alt: alt, Az: az}
}

// GreenwichSiderealTime returns the Greenwich mean sidereal time at t, in degrees.
func GreenwichSiderealTime(t time.Time) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	jd += float64(t.Nanosecond()) / 1e9 / 86400
	return Wrap360(rad2deg(satellite.ThetaG_JD(jd)))
}

// LocalSiderealTime returns the local mean sidereal time at loc, in degrees.
func LocalSiderealTime(loc Location, t time.Time) float64 {
	return Wrap360(GreenwichSiderealTime(t) + loc.Longitude)
}

// equhor converts between azimuth/altitude and hour-angle/declination.
// The transform is its own inverse: pass (HA, Dec) to get (Az, Alt) and
// (Az, Alt) to get (HA, Dec).
// Phi is the observer's latitude.
// Arguments are in radians
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor_rad(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(clamp(sq, -1, 1))

	// atan2 instead of acos keeps precision near the meridian.
	p := math.Atan2(-cy*sx*cphi, sy-sphi*sq)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p, q
}

func equhor_deg(x, y, phi float64) (float64, float64) {
	x, y, phi = deg2rad(x), deg2rad(y), deg2rad(phi)
	p, q := equhor_rad(x, y, phi)
	return rad2deg(p), rad2deg(q)
}

// Separation returns the great-circle angle between two horizontal positions.
func Separation(a, b Horizontal) float64 {
	a1, a2 := deg2rad(a.Alt), deg2rad(b.Alt)
	d := deg2rad(b.Az - a.Az)
	c := math.Sin(a1)*math.Sin(a2) + math.Cos(a1)*math.Cos(a2)*math.Cos(d)
	return rad2deg(math.Acos(clamp(c, -1, 1)))
}

// Wrap360 normalizes an angle to [0, 360).
func Wrap360(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	if angle >= 360 {
		angle -= 360
	}
	return angle
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
