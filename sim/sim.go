// Package sim provides in-process simulated drivers for telescopes, Alt/Az
// rotators, focusers and domes. Axes move at a constant rate and are
// evaluated against the clock on every query, so no goroutine is needed.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/transform"
)

// ErrParked is returned for moves while the device is parked.
var ErrParked = errors.New("sim: device is parked")

// Options configure a simulated device.
type Options struct {
	// Rate is the axis speed in degrees (or position units) per second.
	Rate float64
	// Location is used to convert between frames.
	Location transform.Location
	// Blocking makes move commands return only once the move has finished.
	Blocking bool
	// Now replaces time.Now.
	Now func() time.Time
}

// DefaultRate is used when Options.Rate is zero.
const DefaultRate = 30

// axis moves linearly from from to to starting at start.
type axis struct {
	from, to float64
	start    time.Time
	rate     float64
	// wrap selects the shortest path modulo 360.
	wrap bool
}

func (a axis) delta() float64 {
	d := a.to - a.from
	if a.wrap {
		d = math.Mod(d+540, 360) - 180
	}
	return d
}

func (a axis) at(now time.Time) float64 {
	d := a.delta()
	travelled := now.Sub(a.start).Seconds() * a.rate
	if travelled >= math.Abs(d) || a.rate <= 0 {
		return a.to
	}
	v := a.from + math.Copysign(travelled, d)
	if a.wrap {
		v = transform.Wrap360(v)
	}
	return v
}

func (a axis) remaining(now time.Time) time.Duration {
	left := math.Abs(a.delta())/a.rate - now.Sub(a.start).Seconds()
	if left <= 0 || a.rate <= 0 {
		return 0
	}
	return time.Duration(left * float64(time.Second))
}

func (a axis) moving(now time.Time) bool {
	return a.remaining(now) > 0
}

// moveTo returns an axis starting at the current value heading for to.
func (a axis) moveTo(now time.Time, to float64) axis {
	return axis{from: a.at(now), to: to, start: now, rate: a.rate, wrap: a.wrap}
}

// halt freezes the axis at its current value.
func (a axis) halt(now time.Time) axis {
	return a.moveTo(now, a.at(now))
}

func newAxis(v, rate float64, wrap bool) axis {
	return axis{from: v, to: v, rate: rate, wrap: wrap}
}

// base implements the connection and fault injection shared by every device.
type base struct {
	mu        sync.Mutex
	opts      Options
	connected bool
	stalled   bool
	fault     error
	aborts    int
	commands  int
}

func (b *base) init(opts Options) {
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b.opts = opts
}

func (b *base) now() time.Time {
	return b.opts.Now()
}

func (b *base) Connected(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault != nil {
		return false, b.fault
	}
	return b.connected, nil
}

func (b *base) SetConnected(ctx context.Context, connected bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault != nil {
		return b.fault
	}
	b.connected = connected
	return nil
}

func (b *base) SlewsAsync() bool {
	return !b.opts.Blocking
}

// Stall makes every move run forever until halted.
func (b *base) Stall(stalled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalled = stalled
}

// Fail makes every driver call return err until Fail(nil).
func (b *base) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = err
}

// Aborts returns the number of AbortMotion calls.
func (b *base) Aborts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborts
}

// Commands returns the number of move commands received.
func (b *base) Commands() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// check is called with mu held at the start of every driver call.
func (b *base) check() error {
	if b.fault != nil {
		return b.fault
	}
	if !b.connected {
		return errors.New("sim: not connected")
	}
	return nil
}

// wait blocks a Blocking device until d has passed. mu must not be held.
func (b *base) wait(ctx context.Context, d time.Duration) error {
	if !b.opts.Blocking || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func maxDuration(ds ...time.Duration) time.Duration {
	var m time.Duration
	for _, d := range ds {
		if d > m {
			m = d
		}
	}
	return m
}

// New returns a simulated device of the given kind: telescope, rotator,
// focuser or dome.
func New(kind string, opts Options) (Device, error) {
	switch kind {
	case "telescope", "mount", "":
		return NewTelescope(opts), nil
	case "rotator", "altaz":
		return NewRotator(opts), nil
	case "focuser":
		return NewFocuser(opts), nil
	case "dome", "roof":
		return NewDome(opts), nil
	}
	return nil, fmt.Errorf("sim: unknown device kind %q", kind)
}

// Device is implemented by every simulated driver.
type Device interface {
	device.Driver
	Stall(bool)
	Fail(error)
	Aborts() int
	Commands() int
}
