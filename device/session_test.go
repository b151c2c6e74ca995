package device

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/transform"
)

type fakeDriver struct {
	connected  bool
	refuse     bool
	connectErr error
	setCalls   []bool
	closed     bool
	lastSlew   transform.Horizontal
	reportedAz float64
	aborts     int
	async      bool
}

func (f *fakeDriver) Connected(ctx context.Context) (bool, error) {
	return f.connected, f.connectErr
}

func (f *fakeDriver) SetConnected(ctx context.Context, c bool) error {
	f.setCalls = append(f.setCalls, c)
	if !f.refuse {
		f.connected = c
	}
	return nil
}

func (f *fakeDriver) Moving(ctx context.Context) (bool, error) { return false, nil }

func (f *fakeDriver) AbortMotion(ctx context.Context) error {
	f.aborts++
	return nil
}

func (f *fakeDriver) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	f.lastSlew = target
	return nil
}

func (f *fakeDriver) AltAz(ctx context.Context) (transform.Horizontal, error) {
	return transform.Horizontal{Alt: 45, Az: f.reportedAz}, nil
}

func (f *fakeDriver) SlewsAsync() bool { return f.async }

func (f *fakeDriver) Close() error {
	f.closed = true
	return nil
}

func TestOpenAlreadyConnected(t *testing.T) {
	f := &fakeDriver{connected: true}
	s := NewSession("mount", f, Options{}, nil)
	require.NoError(t, s.Open(context.Background()))
	assert.Empty(t, f.setCalls)
}

func TestOpenConnects(t *testing.T) {
	f := &fakeDriver{}
	s := NewSession("mount", f, Options{}, nil)
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, []bool{true}, f.setCalls)
	assert.True(t, f.connected)
}

func TestOpenRefused(t *testing.T) {
	f := &fakeDriver{refuse: true}
	s := NewSession("mount", f, Options{}, nil)
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrNotConnected)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "mount", ce.Device)
}

func TestOpenDriverError(t *testing.T) {
	f := &fakeDriver{connectErr: errors.New("no route to host")}
	s := NewSession("mount", f, Options{}, nil)
	assert.ErrorIs(t, s.Open(context.Background()), ErrConnection)
}

func TestClose(t *testing.T) {
	f := &fakeDriver{connected: true}
	s := NewSession("mount", f, Options{}, nil)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []bool{false}, f.setCalls)
	assert.True(t, f.closed)

	// Not connected: only the transport is released.
	f = &fakeDriver{}
	s = NewSession("mount", f, Options{}, nil)
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, f.setCalls)
	assert.True(t, f.closed)
}

func TestWithDeviceReleases(t *testing.T) {
	s := NewSession("mount", &fakeDriver{connected: true}, Options{}, nil)
	ctx := context.Background()

	err := s.WithDevice(ctx, "slew", func(ctx context.Context, h *Handle) error {
		assert.Equal(t, 1, s.InUse())
		return errors.New("stalled")
	})
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, 0, s.InUse())

	err = s.WithDevice(ctx, "slew", func(ctx context.Context, h *Handle) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrConnection)

	assert.Panics(t, func() {
		_ = s.WithDevice(ctx, "slew", func(ctx context.Context, h *Handle) error { panic("boom") })
	})
	assert.Equal(t, 0, s.InUse())
}

func TestAzimuthOrigin(t *testing.T) {
	f := &fakeDriver{connected: true, reportedAz: 10}
	s := NewSession("mount", f, Options{AzimuthOriginOffset: 180}, nil)
	ctx := context.Background()

	require.NoError(t, s.WithDevice(ctx, "slew", func(ctx context.Context, h *Handle) error {
		return h.Horizontal.SlewToAltAz(ctx, transform.Horizontal{Alt: 30, Az: 270})
	}))
	assert.Equal(t, transform.Horizontal{Alt: 30, Az: 90}, f.lastSlew)

	var got transform.Horizontal
	require.NoError(t, s.WithDevice(ctx, "read", func(ctx context.Context, h *Handle) (err error) {
		got, err = h.Horizontal.AltAz(ctx)
		return err
	}))
	assert.Equal(t, transform.Horizontal{Alt: 45, Az: 190}, got)
}

func TestProbe(t *testing.T) {
	want := Capabilities{
		Horizontal:          true,
		HasAsyncSlew:        false,
		AzimuthOriginOffset: 180,
	}
	got := Probe(&fakeDriver{}, Options{AzimuthOriginOffset: 180})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Probe() mismatch (-want +got):\n%s", diff)
	}

	got = Probe(&fakeDriver{async: true}, Options{})
	assert.True(t, got.HasAsyncSlew)
	got = Probe(&fakeDriver{async: true}, Options{SyncSlew: true})
	assert.False(t, got.HasAsyncSlew)
}
