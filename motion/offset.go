package motion

import (
	"math"
	"sync/atomic"

	"github.com/w1xm/mount_interface/transform"
)

// Frame names the coordinate frame of a target or offset.
type Frame string

const (
	FrameNone       Frame = ""
	FrameEquatorial Frame = "equatorial"
	FrameHorizontal Frame = "horizontal"
	FrameLinear     Frame = "linear"
)

// Offset is a pointing correction relative to the last absolute target.
//
// D1 and D2 are (ΔRA, ΔDec) in the equatorial frame, (ΔAlt, ΔAz) in the
// horizontal frame and (Δposition, unused) for linear devices. Angular
// offsets are great-circle degrees; the longitude-like component is scaled
// by 1/cos(latitude) when applied.
type Offset struct {
	Frame Frame   `json:"frame"`
	D1    float64 `json:"d1"`
	D2    float64 `json:"d2"`
}

// IsZero reports whether o has no effect.
func (o Offset) IsZero() bool {
	return o.D1 == 0 && o.D2 == 0
}

// minCosLat bounds the 1/cos(lat) scale near the poles.
var minCosLat = math.Cos(89.9 * math.Pi / 180)

func lonScale(lat float64) float64 {
	return 1 / math.Max(math.Cos(lat*math.Pi/180), minCosLat)
}

// ApplyEquatorial returns base corrected by o.
func (o Offset) ApplyEquatorial(base transform.Equatorial) transform.Equatorial {
	if o.Frame != FrameEquatorial {
		return base
	}
	return transform.Equatorial{
		RA:  transform.Wrap360(base.RA + o.D1*lonScale(base.Dec)),
		Dec: base.Dec + o.D2,
	}
}

// RemoveEquatorial is the inverse of ApplyEquatorial.
func (o Offset) RemoveEquatorial(pos transform.Equatorial) transform.Equatorial {
	if o.Frame != FrameEquatorial {
		return pos
	}
	dec := pos.Dec - o.D2
	return transform.Equatorial{
		RA:  transform.Wrap360(pos.RA - o.D1*lonScale(dec)),
		Dec: dec,
	}
}

// ApplyHorizontal returns base corrected by o.
func (o Offset) ApplyHorizontal(base transform.Horizontal) transform.Horizontal {
	if o.Frame != FrameHorizontal {
		return base
	}
	return transform.Horizontal{
		Alt: base.Alt + o.D1,
		Az:  transform.Wrap360(base.Az + o.D2*lonScale(base.Alt)),
	}
}

// RemoveHorizontal is the inverse of ApplyHorizontal.
func (o Offset) RemoveHorizontal(pos transform.Horizontal) transform.Horizontal {
	if o.Frame != FrameHorizontal {
		return pos
	}
	alt := pos.Alt - o.D1
	return transform.Horizontal{
		Alt: alt,
		Az:  transform.Wrap360(pos.Az - o.D2*lonScale(alt)),
	}
}

// ApplyLinear returns base corrected by o.
func (o Offset) ApplyLinear(base float64) float64 {
	if o.Frame != FrameLinear {
		return base
	}
	return base + o.D1
}

// RemoveLinear is the inverse of ApplyLinear.
func (o Offset) RemoveLinear(pos float64) float64 {
	if o.Frame != FrameLinear {
		return pos
	}
	return pos - o.D1
}

// OffsetStore holds the current offset. Reads never block.
// Writers must hold the executor lock, except stop.
type OffsetStore struct {
	v atomic.Pointer[Offset]
}

// Get returns the current offset.
func (s *OffsetStore) Get() Offset {
	if o := s.v.Load(); o != nil {
		return *o
	}
	return Offset{}
}

func (s *OffsetStore) Set(o Offset) {
	s.v.Store(&o)
}

// Reset zeroes the offset, keeping its frame.
func (s *OffsetStore) Reset() {
	s.Set(Offset{Frame: s.Get().Frame})
}
