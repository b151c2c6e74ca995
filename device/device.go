// Package device defines the contract between the motion core and a
// hardware driver, and the Session that scopes access to it.
//
// A driver implements Driver plus whichever optional interfaces its
// hardware supports. Capabilities are discovered by type assertion.
package device

import (
	"context"

	"github.com/w1xm/mount_interface/transform"
)

// Driver is the minimum every adapter must implement.
type Driver interface {
	Connected(ctx context.Context) (bool, error)
	SetConnected(ctx context.Context, connected bool) error
	// Moving reports whether a commanded move has not yet completed.
	Moving(ctx context.Context) (bool, error)
	// AbortMotion halts the hardware immediately.
	AbortMotion(ctx context.Context) error
}

type EquatorialDriver interface {
	Driver
	SlewToCoordinates(ctx context.Context, target transform.Equatorial) error
	Coordinates(ctx context.Context) (transform.Equatorial, error)
}

type HorizontalDriver interface {
	Driver
	SlewToAltAz(ctx context.Context, target transform.Horizontal) error
	AltAz(ctx context.Context) (transform.Horizontal, error)
}

// LinearDriver is a single-axis actuator such as a focuser.
type LinearDriver interface {
	Driver
	MoveTo(ctx context.Context, position float64) error
	LinearPosition(ctx context.Context) (float64, error)
}

type Tracker interface {
	Tracking(ctx context.Context) (bool, error)
	SetTracking(ctx context.Context, enabled bool) error
}

type Parker interface {
	AtPark(ctx context.Context) (bool, error)
	Park(ctx context.Context) error
	Unpark(ctx context.Context) error
}

// Initializer drives the hardware to its reference state (home, open shutter).
type Initializer interface {
	Initialize(ctx context.Context) error
}

// AsyncSlewer is implemented by drivers that know whether their slew
// commands return before the move completes. Drivers that do not
// implement it are assumed to be asynchronous.
type AsyncSlewer interface {
	SlewsAsync() bool
}

// Closer is implemented by drivers holding a transport that must be
// released at shutdown.
type Closer interface {
	Close() error
}

// Capabilities is the feature set of a driver.
type Capabilities struct {
	Equatorial          bool    `json:"equatorial"`
	Horizontal          bool    `json:"horizontal"`
	Linear              bool    `json:"linear"`
	HasTracking         bool    `json:"has_tracking"`
	HasPark             bool    `json:"has_park"`
	HasInit             bool    `json:"has_init"`
	HasAsyncSlew        bool    `json:"has_async_slew"`
	AzimuthOriginOffset float64 `json:"azimuth_origin_offset"`
}

// Handle is the per-call view of a driver. Optional interfaces the driver
// does not implement are nil.
type Handle struct {
	Driver
	Equatorial  EquatorialDriver
	Horizontal  HorizontalDriver
	Linear      LinearDriver
	Tracker     Tracker
	Parker      Parker
	Initializer Initializer
}

func newHandle(drv Driver, azOffset float64) *Handle {
	h := &Handle{Driver: drv}
	h.Equatorial, _ = drv.(EquatorialDriver)
	if hd, ok := drv.(HorizontalDriver); ok {
		h.Horizontal = withAzimuthOrigin(hd, azOffset)
	}
	h.Linear, _ = drv.(LinearDriver)
	h.Tracker, _ = drv.(Tracker)
	h.Parker, _ = drv.(Parker)
	h.Initializer, _ = drv.(Initializer)
	return h
}

// Probe returns the capabilities of drv.
func Probe(drv Driver, opts Options) Capabilities {
	h := newHandle(drv, opts.AzimuthOriginOffset)
	caps := Capabilities{
		Equatorial:          h.Equatorial != nil,
		Horizontal:          h.Horizontal != nil,
		Linear:              h.Linear != nil,
		HasTracking:         h.Tracker != nil,
		HasPark:             h.Parker != nil,
		HasInit:             h.Initializer != nil,
		HasAsyncSlew:        !opts.SyncSlew,
		AzimuthOriginOffset: opts.AzimuthOriginOffset,
	}
	if a, ok := drv.(AsyncSlewer); ok && !a.SlewsAsync() {
		caps.HasAsyncSlew = false
	}
	return caps
}
