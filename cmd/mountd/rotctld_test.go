package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/motion"
	"github.com/w1xm/mount_interface/sim"
)

type rotctlClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *rotctlClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(t, err)
}

func (c *rotctlClient) read(t *testing.T, n int) []string {
	t.Helper()
	var lines []string
	for i := 0; i < n; i++ {
		line, err := c.r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
	return lines
}

func startRotctld(t *testing.T) (*rotctlClient, *motion.Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(ctx, logging.Discard())
	c := addDevice(t, srv, "rotator", sim.NewRotator(sim.Options{Rate: fastRate}))
	a, b := net.Pipe()
	require.NoError(t, a.SetDeadline(time.Now().Add(10*time.Second)))
	go srv.handleRotctld(b, c, logging.Discard())
	t.Cleanup(func() { a.Close() })
	return &rotctlClient{conn: a, r: bufio.NewReader(a)}, c
}

func TestRotctldSetAndGetPosition(t *testing.T) {
	cl, c := startRotctld(t)

	cl.send(t, "P 270 45")
	assert.Equal(t, []string{"RPRT 0"}, cl.read(t, 1))
	require.Eventually(t, func() bool { return c.Status() == motion.StatusPositioned }, 2*time.Second, 5*time.Millisecond)

	cl.send(t, "p")
	assert.Equal(t, []string{"-90.000000", "45.000000"}, cl.read(t, 2))

	cl.send(t, `+\get_pos`)
	assert.Equal(t, []string{"get_pos:", "Azimuth: -90.000000", "Elevation: 45.000000", "RPRT 0"}, cl.read(t, 4))

	cl.send(t, "S")
	assert.Equal(t, []string{"RPRT 0"}, cl.read(t, 1))
	assert.Equal(t, motion.StatusIdle, c.Status())
}

func TestRotctldSetPositionWhileSlewing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(ctx, logging.Discard())
	c := addDevice(t, srv, "rotator", sim.NewRotator(sim.Options{Rate: 1}))
	a, b := net.Pipe()
	go srv.handleRotctld(b, c, logging.Discard())
	t.Cleanup(func() { a.Close() })
	cl := &rotctlClient{conn: a, r: bufio.NewReader(a)}

	cl.send(t, "P 90 80")
	assert.Equal(t, []string{"RPRT 0"}, cl.read(t, 1))
	require.Eventually(t, func() bool { return c.Status() == motion.StatusSlewing }, time.Second, time.Millisecond)

	cl.send(t, "P 10 10")
	assert.Equal(t, []string{"RPRT 0"}, cl.read(t, 1))
	require.Eventually(t, func() bool {
		tgt, ok := c.Target()
		return ok && tgt.Horizontal.Az == 10
	}, time.Second, time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
}

func TestRotctldErrors(t *testing.T) {
	cl, _ := startRotctld(t)
	for _, test := range []struct {
		cmd  string
		want []string
	}{
		{"P 1", []string{"RPRT -1"}},
		{"P north 10", []string{"RPRT -1"}},
		{"P 10 95", []string{"RPRT -1"}},
		{"M 2 10", []string{"RPRT -4"}},
		// The simulated rotator cannot park.
		{"K", []string{"RPRT -4"}},
		{"X", []string{"RPRT -1"}},
		{`+\reset`, []string{"reset:", "RPRT 0"}},
		{"_", []string{"rotator"}},
	} {
		t.Run(test.cmd, func(t *testing.T) {
			cl.send(t, test.cmd)
			assert.Equal(t, test.want, cl.read(t, len(test.want)))
		})
	}
}

func TestRotctldDumpCaps(t *testing.T) {
	cl, _ := startRotctld(t)
	cl.send(t, "1")
	lines := cl.read(t, 14)
	assert.Equal(t, "Model name: rotator", lines[0])
	assert.Contains(t, lines, "Can Park: N")
	assert.Contains(t, lines, "Can set Position: Y")
}

func TestRotctldListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, logging.Discard())
	addDevice(t, srv, "focuser", sim.NewFocuser(sim.Options{}))
	addDevice(t, srv, "rotator", sim.NewRotator(sim.Options{}))
	assert.Error(t, srv.ListenRotctld(ctx, "127.0.0.1:0", "focuser"))
	assert.ErrorContains(t, srv.ListenRotctld(ctx, "127.0.0.1:0", "nope"), "unknown device")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c, err := srv.controller("rotator")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.serveRotctld(ctx, ln, c, logging.Discard()) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprintf(conn, "_\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "rotator\n", line)

	cancel()
	assert.NoError(t, <-done)
}

func TestRprtOf(t *testing.T) {
	assert.Equal(t, rprtOK, rprtOf(nil))
	assert.Equal(t, rprtBUSBUSY, rprtOf(motion.ErrBusy))
	assert.Equal(t, rprtENIMPL, rprtOf(device.ErrUnsupported))
	assert.Equal(t, rprtERJCTED, rprtOf(motion.ErrInvalidTransition))
	assert.Equal(t, rprtEIO, rprtOf(&device.ConnectionError{Err: assert.AnError}))
}
