package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/transform"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAxis(t *testing.T) {
	start := time.Unix(0, 0)
	a := axis{from: 350, to: 10, start: start, rate: 10, wrap: true}
	assert.InDelta(t, 20, a.delta(), 1e-9)
	assert.InDelta(t, 355, a.at(start.Add(500*time.Millisecond)), 1e-9)
	assert.InDelta(t, 5, a.at(start.Add(1500*time.Millisecond)), 1e-9)
	assert.Equal(t, 10.0, a.at(start.Add(3*time.Second)))
	assert.True(t, a.moving(start.Add(time.Second)))
	assert.False(t, a.moving(start.Add(2*time.Second)))

	h := a.halt(start.Add(time.Second))
	assert.InDelta(t, 0, h.at(start.Add(time.Hour)), 1e-9)
}

func TestRotatorSlew(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	r := NewRotator(Options{Rate: 10, Now: c.now})
	ctx := context.Background()

	_, err := r.Moving(ctx)
	require.Error(t, err, "not connected")
	require.NoError(t, r.SetConnected(ctx, true))

	require.NoError(t, r.SlewToAltAz(ctx, transform.Horizontal{Alt: 30, Az: 40}))
	moving, err := r.Moving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)

	c.advance(2 * time.Second)
	pos, err := r.AltAz(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20, pos.Alt, 1e-9)
	assert.InDelta(t, 20, pos.Az, 1e-9)

	require.NoError(t, r.AbortMotion(ctx))
	c.advance(10 * time.Second)
	pos, err = r.AltAz(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20, pos.Alt, 1e-9)
	moving, _ = r.Moving(ctx)
	assert.False(t, moving)
	assert.Equal(t, 1, r.Aborts())
}

func TestTelescopeTrackingHoldsCoordinates(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	loc := transform.Location{Latitude: 42, Longitude: -71}
	tel := NewTelescope(Options{Rate: 100, Location: loc, Now: c.now})
	ctx := context.Background()
	require.NoError(t, tel.SetConnected(ctx, true))

	target := transform.Equatorial{RA: 120, Dec: 30}
	require.NoError(t, tel.SlewToCoordinates(ctx, target))
	c.advance(10 * time.Second)
	eq, err := tel.Coordinates(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 120, eq.RA, 1e-9)
	assert.InDelta(t, 30, eq.Dec, 1e-9)

	// Without tracking the sky drifts by sidereal rate.
	require.NoError(t, tel.SetTracking(ctx, false))
	c.advance(time.Hour)
	eq, err = tel.Coordinates(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 135, eq.RA, 0.1)
}

func TestTelescopePark(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	tel := NewTelescope(Options{Rate: 10, Now: c.now})
	ctx := context.Background()
	require.NoError(t, tel.SetConnected(ctx, true))

	require.NoError(t, tel.SlewToAltAz(ctx, transform.Horizontal{Alt: 45, Az: 180}))
	c.advance(time.Minute)
	require.NoError(t, tel.Park(ctx))
	parked, err := tel.AtPark(ctx)
	require.NoError(t, err)
	assert.False(t, parked)

	c.advance(time.Minute)
	parked, err = tel.AtPark(ctx)
	require.NoError(t, err)
	assert.True(t, parked)
	assert.ErrorIs(t, tel.SlewToAltAz(ctx, transform.Horizontal{Alt: 10, Az: 10}), ErrParked)

	require.NoError(t, tel.Unpark(ctx))
	assert.NoError(t, tel.SlewToAltAz(ctx, transform.Horizontal{Alt: 10, Az: 10}))
}

func TestBlockingFocuser(t *testing.T) {
	f := NewFocuser(Options{Rate: 1000, Blocking: true})
	ctx := context.Background()
	require.NoError(t, f.SetConnected(ctx, true))
	assert.False(t, f.SlewsAsync())

	require.NoError(t, f.MoveTo(ctx, 20))
	pos, err := f.LinearPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, pos)

	f.Stall(true)
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.MoveTo(ctx, 30), context.DeadlineExceeded)
}

func TestDome(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	d := NewDome(Options{Rate: 50, Now: c.now})
	ctx := context.Background()
	require.NoError(t, d.SetConnected(ctx, true))

	parked, err := d.AtPark(ctx)
	require.NoError(t, err)
	assert.True(t, parked)

	require.NoError(t, d.Initialize(ctx))
	c.advance(time.Second)
	assert.False(t, d.ShutterOpen())
	c.advance(time.Second)
	assert.True(t, d.ShutterOpen())

	require.NoError(t, d.Park(ctx))
	parked, _ = d.AtPark(ctx)
	assert.False(t, parked)
	c.advance(2 * time.Second)
	parked, _ = d.AtPark(ctx)
	assert.True(t, parked)
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"telescope", "rotator", "focuser", "dome"} {
		d, err := New(kind, Options{})
		require.NoError(t, err, kind)
		assert.NotNil(t, d)
	}
	_, err := New("laser", Options{})
	assert.Error(t, err)
}
