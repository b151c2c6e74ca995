package sim

import (
	"context"
	"time"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/transform"
)

var (
	_ device.EquatorialDriver = (*Telescope)(nil)
	_ device.HorizontalDriver = (*Telescope)(nil)
	_ device.Tracker          = (*Telescope)(nil)
	_ device.Parker           = (*Telescope)(nil)
)

// ParkPosition is where the simulated telescope parks.
var ParkPosition = transform.Horizontal{Alt: 0, Az: 180}

// Telescope is a mount that accepts both equatorial and horizontal slews.
// While tracking its axes hold RA/Dec; otherwise they hold Alt/Az.
type Telescope struct {
	base
	tracking bool
	// a1, a2 are (RA, Dec) while tracking and (Az, Alt) otherwise.
	a1, a2  axis
	parking bool
	parked  bool
}

func NewTelescope(opts Options) *Telescope {
	t := &Telescope{}
	t.init(opts)
	t.a1 = newAxis(ParkPosition.Az, t.opts.Rate, true)
	t.a2 = newAxis(ParkPosition.Alt, t.opts.Rate, false)
	return t
}

// SetState places the telescope without moving. Used to prepare tests.
func (t *Telescope) SetState(tracking, parked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setTracking(t.now(), tracking)
	t.parked = parked
}

func (t *Telescope) Moving(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	return t.movingLocked(t.now()), nil
}

func (t *Telescope) movingLocked(now time.Time) bool {
	return t.stalled || t.a1.moving(now) || t.a2.moving(now)
}

func (t *Telescope) AbortMotion(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	now := t.now()
	t.aborts++
	t.a1, t.a2 = t.a1.halt(now), t.a2.halt(now)
	t.stalled = false
	t.parking = false
	return nil
}

func (t *Telescope) Tracking(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	return t.tracking, nil
}

func (t *Telescope) SetTracking(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if enabled && t.parked {
		return ErrParked
	}
	t.setTracking(t.now(), enabled)
	return nil
}

// setTracking switches the frame the axes hold, keeping the pointing.
func (t *Telescope) setTracking(now time.Time, enabled bool) {
	if enabled == t.tracking {
		return
	}
	if enabled {
		eq := transform.ToEquatorial(t.horizontalLocked(now), t.opts.Location, now)
		t.a1 = newAxis(eq.RA, t.opts.Rate, true)
		t.a2 = newAxis(eq.Dec, t.opts.Rate, false)
	} else {
		hor := transform.ToHorizontal(t.equatorialLocked(now), t.opts.Location, now)
		t.a1 = newAxis(hor.Az, t.opts.Rate, true)
		t.a2 = newAxis(hor.Alt, t.opts.Rate, false)
	}
	t.tracking = enabled
}

func (t *Telescope) equatorialLocked(now time.Time) transform.Equatorial {
	if t.tracking {
		return transform.Equatorial{RA: t.a1.at(now), Dec: t.a2.at(now)}
	}
	return transform.ToEquatorial(t.horizontalLocked(now), t.opts.Location, now)
}

func (t *Telescope) horizontalLocked(now time.Time) transform.Horizontal {
	if !t.tracking {
		return transform.Horizontal{Alt: t.a2.at(now), Az: t.a1.at(now)}
	}
	return transform.ToHorizontal(t.equatorialLocked(now), t.opts.Location, now)
}

// SlewToCoordinates starts a slew to target and enables tracking.
func (t *Telescope) SlewToCoordinates(ctx context.Context, target transform.Equatorial) error {
	d, err := t.start(func(now time.Time) {
		t.setTracking(now, true)
		t.a1 = t.a1.moveTo(now, transform.Wrap360(target.RA))
		t.a2 = t.a2.moveTo(now, target.Dec)
	})
	if err != nil {
		return err
	}
	return t.wait(ctx, d)
}

func (t *Telescope) Coordinates(ctx context.Context) (transform.Equatorial, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return transform.Equatorial{}, err
	}
	return t.equatorialLocked(t.now()), nil
}

// SlewToAltAz starts a slew to target and disables tracking.
func (t *Telescope) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	d, err := t.start(func(now time.Time) {
		t.setTracking(now, false)
		t.a1 = t.a1.moveTo(now, transform.Wrap360(target.Az))
		t.a2 = t.a2.moveTo(now, target.Alt)
	})
	if err != nil {
		return err
	}
	return t.wait(ctx, d)
}

func (t *Telescope) AltAz(ctx context.Context) (transform.Horizontal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return transform.Horizontal{}, err
	}
	return t.horizontalLocked(t.now()), nil
}

// start applies move under the lock and returns how long it will take.
func (t *Telescope) start(move func(now time.Time)) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return 0, err
	}
	if t.parked {
		return 0, ErrParked
	}
	now := t.now()
	t.commands++
	move(now)
	if t.stalled {
		return 24 * time.Hour, nil
	}
	return maxDuration(t.a1.remaining(now), t.a2.remaining(now)), nil
}

func (t *Telescope) AtPark(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	now := t.now()
	if t.parking && !t.movingLocked(now) {
		t.parking = false
		t.parked = true
	}
	return t.parked, nil
}

func (t *Telescope) Park(ctx context.Context) error {
	d, err := t.start(func(now time.Time) {
		t.setTracking(now, false)
		t.a1 = t.a1.moveTo(now, ParkPosition.Az)
		t.a2 = t.a2.moveTo(now, ParkPosition.Alt)
		t.parking = true
	})
	if err != nil {
		return err
	}
	return t.wait(ctx, d)
}

func (t *Telescope) Unpark(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.parked = false
	return nil
}
