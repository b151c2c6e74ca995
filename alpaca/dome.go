package alpaca

import (
	"context"
	"errors"

	"github.com/w1xm/mount_interface/device"
)

var (
	_ device.Initializer = (*Dome)(nil)
	_ device.Parker      = (*Dome)(nil)
)

// ShutterStatus values.
const (
	ShutterOpen = iota
	ShutterClosed
	ShutterOpening
	ShutterClosing
	ShutterError
)

// ErrShutter is returned while the dome reports a shutter error.
var ErrShutter = errors.New("shutter error")

// Dome opens its shutter on Initialize and closes it on Park.
type Dome struct {
	common
}

func NewDome(opts Options) *Dome {
	return &Dome{common{newClient("dome", opts)}}
}

func (d *Dome) SlewsAsync() bool {
	return true
}

func (d *Dome) shutter(ctx context.Context) (int, error) {
	var status int
	if err := d.get(ctx, "shutterstatus", &status); err != nil {
		return 0, err
	}
	if status == ShutterError {
		return status, ErrShutter
	}
	return status, nil
}

func (d *Dome) Moving(ctx context.Context) (bool, error) {
	status, err := d.shutter(ctx)
	if err != nil {
		return false, err
	}
	if status == ShutterOpening || status == ShutterClosing {
		return true, nil
	}
	// Domes without a rotating part do not implement slewing.
	slewing, err := d.getBool(ctx, "slewing")
	return slewing, errIgnore(err, device.ErrUnsupported)
}

func (d *Dome) AbortMotion(ctx context.Context) error {
	return d.put(ctx, "abortslew")
}

func (d *Dome) Initialize(ctx context.Context) error {
	return d.put(ctx, "openshutter")
}

func (d *Dome) Park(ctx context.Context) error {
	return d.put(ctx, "closeshutter")
}

func (d *Dome) Unpark(ctx context.Context) error {
	return nil
}

// AtPark reports whether the shutter is closed.
func (d *Dome) AtPark(ctx context.Context) (bool, error) {
	status, err := d.shutter(ctx)
	return status == ShutterClosed, err
}
