package sim

import (
	"context"
	"time"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/transform"
)

var (
	_ device.HorizontalDriver = (*Rotator)(nil)
	_ device.LinearDriver     = (*Focuser)(nil)
	_ device.Initializer      = (*Dome)(nil)
	_ device.Parker           = (*Dome)(nil)
)

// Rotator is an Alt/Az positioner without tracking, like an antenna rotator.
type Rotator struct {
	base
	az, alt axis
	last    transform.Horizontal
}

func NewRotator(opts Options) *Rotator {
	r := &Rotator{}
	r.init(opts)
	r.az = newAxis(0, r.opts.Rate, true)
	r.alt = newAxis(0, r.opts.Rate, false)
	return r
}

// LastCommand returns the most recent commanded position.
func (r *Rotator) LastCommand() transform.Horizontal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Rotator) Moving(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return false, err
	}
	now := r.now()
	return r.stalled || r.az.moving(now) || r.alt.moving(now), nil
}

func (r *Rotator) AbortMotion(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return err
	}
	now := r.now()
	r.aborts++
	r.az, r.alt = r.az.halt(now), r.alt.halt(now)
	r.stalled = false
	return nil
}

func (r *Rotator) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	r.mu.Lock()
	if err := r.check(); err != nil {
		r.mu.Unlock()
		return err
	}
	now := r.now()
	r.commands++
	r.last = target
	r.az = r.az.moveTo(now, transform.Wrap360(target.Az))
	r.alt = r.alt.moveTo(now, target.Alt)
	d := maxDuration(r.az.remaining(now), r.alt.remaining(now))
	if r.stalled {
		d = 24 * time.Hour
	}
	r.mu.Unlock()
	return r.wait(ctx, d)
}

func (r *Rotator) AltAz(ctx context.Context) (transform.Horizontal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return transform.Horizontal{}, err
	}
	now := r.now()
	return transform.Horizontal{Alt: r.alt.at(now), Az: r.az.at(now)}, nil
}

// Focuser is a single-axis linear stage. Positions are in millimetres.
type Focuser struct {
	base
	pos axis
}

func NewFocuser(opts Options) *Focuser {
	f := &Focuser{}
	f.init(opts)
	f.pos = newAxis(0, f.opts.Rate, false)
	return f
}

func (f *Focuser) Moving(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	return f.stalled || f.pos.moving(f.now()), nil
}

func (f *Focuser) AbortMotion(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.aborts++
	f.pos = f.pos.halt(f.now())
	f.stalled = false
	return nil
}

func (f *Focuser) MoveTo(ctx context.Context, position float64) error {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return err
	}
	now := f.now()
	f.commands++
	f.pos = f.pos.moveTo(now, position)
	d := f.pos.remaining(now)
	if f.stalled {
		d = 24 * time.Hour
	}
	f.mu.Unlock()
	return f.wait(ctx, d)
}

func (f *Focuser) LinearPosition(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.pos.at(f.now()), nil
}

// Dome is a roof or shutter. Initialize opens it and Park closes it.
// The shutter position runs from 0 (closed) to 100 (open).
type Dome struct {
	base
	shutter axis
}

const (
	shutterClosed = 0
	shutterOpen   = 100
)

func NewDome(opts Options) *Dome {
	d := &Dome{}
	d.init(opts)
	d.shutter = newAxis(shutterClosed, d.opts.Rate, false)
	return d
}

// ShutterOpen reports whether the shutter is fully open.
func (d *Dome) ShutterOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutter.at(d.now()) == shutterOpen
}

func (d *Dome) Moving(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return false, err
	}
	return d.stalled || d.shutter.moving(d.now()), nil
}

func (d *Dome) AbortMotion(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.aborts++
	d.shutter = d.shutter.halt(d.now())
	d.stalled = false
	return nil
}

func (d *Dome) Initialize(ctx context.Context) error {
	return d.moveShutter(ctx, shutterOpen)
}

func (d *Dome) Park(ctx context.Context) error {
	return d.moveShutter(ctx, shutterClosed)
}

func (d *Dome) Unpark(ctx context.Context) error {
	return nil
}

func (d *Dome) AtPark(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return false, err
	}
	now := d.now()
	return !d.stalled && !d.shutter.moving(now) && d.shutter.at(now) == shutterClosed, nil
}

func (d *Dome) moveShutter(ctx context.Context, to float64) error {
	d.mu.Lock()
	if err := d.check(); err != nil {
		d.mu.Unlock()
		return err
	}
	now := d.now()
	d.commands++
	d.shutter = d.shutter.moveTo(now, to)
	wait := d.shutter.remaining(now)
	if d.stalled {
		wait = 24 * time.Hour
	}
	d.mu.Unlock()
	return d.wait(ctx, wait)
}
