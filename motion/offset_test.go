package motion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/w1xm/mount_interface/transform"
)

func TestOffsetScalesRightAscension(t *testing.T) {
	for _, dec := range []float64{0, 30, 60, -45, 80} {
		base := transform.Equatorial{RA: 100, Dec: dec}
		got := Offset{Frame: FrameEquatorial, D1: 1}.ApplyEquatorial(base)
		assert.InDelta(t, 100+1/math.Cos(dec*math.Pi/180), got.RA, 1e-9, "dec %v", dec)
		assert.Equal(t, dec, got.Dec)
	}
}

func TestOffsetScalesAzimuth(t *testing.T) {
	base := transform.Horizontal{Alt: 60, Az: 359}
	got := Offset{Frame: FrameHorizontal, D1: 0.5, D2: 1}.ApplyHorizontal(base)
	assert.InDelta(t, 60.5, got.Alt, 1e-12)
	assert.InDelta(t, 1, got.Az, 1e-9)
}

func TestOffsetRemoveInvertsApply(t *testing.T) {
	for _, o := range []Offset{
		{Frame: FrameEquatorial, D1: 0.25, D2: -0.1},
		{Frame: FrameEquatorial, D1: -2, D2: 1.5},
		{Frame: FrameHorizontal, D1: 0.3, D2: 0.7},
	} {
		for lat := -85.0; lat <= 85; lat += 17 {
			for lon := 0.0; lon < 360; lon += 45 {
				eq := transform.Equatorial{RA: lon, Dec: lat}
				back := o.RemoveEquatorial(o.ApplyEquatorial(eq))
				assert.InDelta(t, eq.Dec, back.Dec, 1e-9)
				assert.InDelta(t, 0, math.Abs(math.Remainder(eq.RA-back.RA, 360)), 1e-9)

				hor := transform.Horizontal{Alt: lat, Az: lon}
				backH := o.RemoveHorizontal(o.ApplyHorizontal(hor))
				assert.InDelta(t, hor.Alt, backH.Alt, 1e-9)
				assert.InDelta(t, 0, math.Abs(math.Remainder(hor.Az-backH.Az, 360)), 1e-9)
			}
		}
	}
}

func TestOffsetOtherFrameIsIgnored(t *testing.T) {
	o := Offset{Frame: FrameHorizontal, D1: 1, D2: 1}
	eq := transform.Equatorial{RA: 10, Dec: 10}
	assert.Equal(t, eq, o.ApplyEquatorial(eq))
	assert.Equal(t, 5.0, o.ApplyLinear(5))

	lin := Offset{Frame: FrameLinear, D1: 0.5}
	assert.Equal(t, 5.5, lin.ApplyLinear(5))
	assert.Equal(t, 5.0, lin.RemoveLinear(5.5))
}

func TestOffsetNearPoleIsFinite(t *testing.T) {
	got := Offset{Frame: FrameEquatorial, D1: 1}.ApplyEquatorial(transform.Equatorial{RA: 0, Dec: 90})
	assert.False(t, math.IsInf(got.RA, 0) || math.IsNaN(got.RA))
}

func TestOffsetStore(t *testing.T) {
	var s OffsetStore
	assert.Equal(t, Offset{}, s.Get())
	s.Set(Offset{Frame: FrameEquatorial, D1: 1, D2: 2})
	assert.Equal(t, Offset{Frame: FrameEquatorial, D1: 1, D2: 2}, s.Get())
	s.Reset()
	assert.Equal(t, Offset{Frame: FrameEquatorial}, s.Get())
	assert.True(t, s.Get().IsZero())
}
