package device

import (
	"context"

	"github.com/w1xm/mount_interface/transform"
)

// azimuthOrigin adapts a driver whose azimuth zero is not North.
// Commands have offset added; readings have it subtracted.
type azimuthOrigin struct {
	HorizontalDriver
	offset float64
}

func withAzimuthOrigin(drv HorizontalDriver, offset float64) HorizontalDriver {
	if offset == 0 {
		return drv
	}
	return &azimuthOrigin{HorizontalDriver: drv, offset: offset}
}

func (a *azimuthOrigin) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	target.Az = transform.Wrap360(target.Az + a.offset)
	return a.HorizontalDriver.SlewToAltAz(ctx, target)
}

func (a *azimuthOrigin) AltAz(ctx context.Context) (transform.Horizontal, error) {
	h, err := a.HorizontalDriver.AltAz(ctx)
	if err != nil {
		return h, err
	}
	h.Az = transform.Wrap360(h.Az - a.offset)
	return h, nil
}
