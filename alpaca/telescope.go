package alpaca

import (
	"context"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/transform"
)

var (
	_ device.EquatorialDriver = (*Telescope)(nil)
	_ device.Tracker          = (*Telescope)(nil)
	_ device.Parker           = (*Telescope)(nil)
	_ device.HorizontalDriver = (*AltAzTelescope)(nil)
)

// Telescope is an equatorial mount. Alpaca reports right ascension in
// hours; Telescope converts to and from degrees.
type Telescope struct {
	common
}

// NewTelescope returns a Telescope, or an AltAzTelescope if altAz is set.
func NewTelescope(opts Options, altAz bool) device.Driver {
	t := &Telescope{common{newClient("telescope", opts)}}
	if altAz {
		return &AltAzTelescope{t}
	}
	return t
}

// SlewsAsync reports true: slews use the asynchronous Alpaca methods.
func (t *Telescope) SlewsAsync() bool {
	return true
}

func (t *Telescope) Moving(ctx context.Context) (bool, error) {
	return t.getBool(ctx, "slewing")
}

func (t *Telescope) AbortMotion(ctx context.Context) error {
	return t.put(ctx, "abortslew")
}

func (t *Telescope) SlewToCoordinates(ctx context.Context, target transform.Equatorial) error {
	return t.put(ctx, "slewtocoordinatesasync",
		"RightAscension", transform.Wrap360(target.RA)/15,
		"Declination", target.Dec)
}

func (t *Telescope) Coordinates(ctx context.Context) (transform.Equatorial, error) {
	ra, err := t.getFloat(ctx, "rightascension")
	if err != nil {
		return transform.Equatorial{}, err
	}
	dec, err := t.getFloat(ctx, "declination")
	if err != nil {
		return transform.Equatorial{}, err
	}
	return transform.Equatorial{RA: ra * 15, Dec: dec}, nil
}

func (t *Telescope) Tracking(ctx context.Context) (bool, error) {
	return t.getBool(ctx, "tracking")
}

func (t *Telescope) SetTracking(ctx context.Context, enabled bool) error {
	return t.put(ctx, "tracking", "Tracking", enabled)
}

func (t *Telescope) AtPark(ctx context.Context) (bool, error) {
	return t.getBool(ctx, "atpark")
}

func (t *Telescope) Park(ctx context.Context) error {
	return t.put(ctx, "park")
}

func (t *Telescope) Unpark(ctx context.Context) error {
	return t.put(ctx, "unpark")
}

// AltAzTelescope is a Telescope that also accepts Alt/Az slews.
type AltAzTelescope struct {
	*Telescope
}

func (t *AltAzTelescope) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	return t.put(ctx, "slewtoaltazasync",
		"Azimuth", transform.Wrap360(target.Az),
		"Altitude", target.Alt)
}

func (t *AltAzTelescope) AltAz(ctx context.Context) (transform.Horizontal, error) {
	alt, err := t.getFloat(ctx, "altitude")
	if err != nil {
		return transform.Horizontal{}, err
	}
	az, err := t.getFloat(ctx, "azimuth")
	if err != nil {
		return transform.Horizontal{}, err
	}
	return transform.Horizontal{Alt: alt, Az: az}, nil
}
