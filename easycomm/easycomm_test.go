package easycomm

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/easycomm/simulator"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/transform"
)

type NoopCloser struct {
	io.Reader
	mu    sync.Mutex
	write bytes.Buffer
}

func (nc *NoopCloser) Write(p []byte) (n int, err error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.write.Write(p)
}

func (nc *NoopCloser) Close() error {
	return nil
}

func TestParsing(t *testing.T) {
	for _, test := range []struct {
		input  string
		status Status
	}{
		{"AZ170.00", Status{AzPos: 170}},
		{"EL45", Status{ElPos: 45}},
		{`IP7,1.5,.5`, Status{AzVel: 1.5, ElVel: .5}},
		{`GS262`, Status{StatusRegister: 262, Moving: true, CommandAzFlags: "POSITION", CommandElFlags: "NONE"}},
		{`GE6`, Status{ErrorRegister: 6, ErrorFlags: struct{ NoError, SensorError, HomingError, MotorError bool }{SensorError: true, HomingError: true}}},
		{`IP0,35.6`, Status{Temperature: 35.6}},
		{`IP1,2,1`, Status{AzimuthCW: true, ElevationLower: true}},
		{`IP5,10,15 IP5,11 IP5,12`, Status{RawAzDrive: 12, RawElDrive: 15}},
		{`IP7,1.5,0.5`, Status{AzVel: 1.5, ElVel: 0.5}},
		{`CR10,150,10.5`, Status{CommandAzPos: 150, CommandElPos: 10.5}},
		{`VEsim bogus`, Status{Version: "sim"}},
	} {
		t.Run(test.input, func(t *testing.T) {
			ctx := context.Background()
			conn := &NoopCloser{
				Reader: strings.NewReader(test.input),
			}
			var status Status
			r := New(nil, Options{
				OnStatus: func(s Status) {
					status = s
				},
			}, nil)
			if err := r.watch(ctx, conn); err != io.EOF {
				t.Errorf("watch failed: got %v, want EOF", err)
			}
			if diff := cmp.Diff(status, test.status); diff != "" {
				t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestPolling(t *testing.T) {
	conn := &NoopCloser{Reader: strings.NewReader("")}
	r := New(nil, Options{}, nil)
	assert.Equal(t, io.EOF, r.watch(context.Background(), conn))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, strings.HasPrefix(conn.write.String(), "AZ\nEL\nGS\n"), conn.write.String())
}

func TestNotConnected(t *testing.T) {
	r := New(nil, Options{}, nil)
	ctx := context.Background()
	ok, err := r.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = r.Moving(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, r.SlewToAltAz(ctx, transform.Horizontal{Alt: 1, Az: 1}), device.ErrNotConnected)
}

// startSimulator returns a rotator wired to a running simulator.
func startSimulator(t *testing.T) (*Rotator, *simulator.Simulator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sim, conn := simulator.New(logging.Discard())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sim.Run(ctx)
	}()
	var once sync.Once
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		var c net.Conn
		once.Do(func() { c = conn })
		if c == nil {
			return nil, io.ErrClosedPipe
		}
		return c, nil
	}
	r := New(dial, Options{PollInterval: 50 * time.Millisecond}, nil)
	t.Cleanup(func() {
		_ = r.SetConnected(context.Background(), false)
		cancel()
		<-done
	})
	return r, sim
}

func TestSimulatorSlew(t *testing.T) {
	r, sim := startSimulator(t)
	ctx := context.Background()
	require.NoError(t, r.SetConnected(ctx, true))
	assert.Eventually(t, func() bool { return r.Status().Version == "sim" }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.SlewToAltAz(ctx, transform.Horizontal{Alt: 10, Az: 350}))
	moving, err := r.Moving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)

	assert.Eventually(t, func() bool {
		moving, err := r.Moving(ctx)
		return err == nil && !moving
	}, 10*time.Second, 50*time.Millisecond)
	pos, err := r.AltAz(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, pos.Alt, 0.2)
	assert.InDelta(t, 0, transform.Separation(pos, transform.Horizontal{Alt: 10, Az: 350}), 0.3)

	el, az := sim.Position()
	assert.InDelta(t, 10, el, 0.2)
	assert.InDelta(t, 350, az, 0.2)
}

func TestControllerOverSimulator(t *testing.T) {
	r, _ := startSimulator(t)
	s := device.NewSession("rotator", r, device.Options{}, nil)
	c := motion.NewController(s, motion.Config{
		PollInterval: 50 * time.Millisecond,
		Timeout:      15 * time.Second,
	})
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	assert.Equal(t, motion.StatusIdle, c.Status())

	require.NoError(t, c.SlewToHorizontal(ctx, transform.Horizontal{Alt: 5, Az: 8}))
	assert.Equal(t, motion.StatusPositioned, c.Status())

	done := make(chan error, 1)
	go func() { done <- c.SlewToHorizontal(ctx, transform.Horizontal{Alt: 80, Az: 180}) }()
	require.Eventually(t, func() bool { return c.Status() == motion.StatusSlewing }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, <-done, motion.ErrAborted)
	assert.Equal(t, motion.StatusIdle, c.Status())

	require.NoError(t, c.Close(ctx))
	ok, err := r.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
