package dome

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	gmodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/modbus"
	"github.com/w1xm/mount_interface/motion"
)

// roof is a relay controller whose shutter moves 25% per position read.
type roof struct {
	gmodbus.Client
	mu       sync.Mutex
	coils    [2]bool
	position int
	fault    bool
}

func (r *roof) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.coils[coilOpen] && r.position < 100:
		r.position += 25
	case r.coils[coilClose] && r.position > 0:
		r.position -= 25
	}
	return binary.BigEndian.AppendUint16(nil, uint16(r.position)), nil
}

func (r *roof) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return []byte{0, 60}, nil
}

func bits(bs ...bool) []byte {
	var b byte
	for i, v := range bs {
		if v {
			b |= 1 << i
		}
	}
	return []byte{b}
}

func (r *roof) ReadCoils(address, quantity uint16) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bits(r.coils[:]...), nil
}

func (r *roof) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open, closed := r.position == 100, r.position == 0
	running := r.coils[coilOpen] && !open || r.coils[coilClose] && !closed
	return bits(open, closed, running, r.fault), nil
}

func (r *roof) WriteSingleCoil(address, value uint16) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	on := value == 0xFF00
	if on && r.coils[1-address] {
		r.fault = true
	}
	r.coils[address] = on
	return nil, nil
}

func (r *roof) setFault(fault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = fault
}

func newDome(t *testing.T) (*Dome, *roof) {
	t.Helper()
	hw := &roof{}
	client := &modbus.Client{
		Client:        hw,
		PollInterval:  5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	}
	d := New(client, nil, nil)
	t.Cleanup(func() { _ = d.SetConnected(context.Background(), false) })
	return d, hw
}

func TestNotConnected(t *testing.T) {
	d, _ := newDome(t)
	_, err := d.Moving(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, d.Initialize(context.Background()), device.ErrNotConnected)
}

func TestOpenAndClose(t *testing.T) {
	d, hw := newDome(t)
	var mu sync.Mutex
	var positions []int
	d.statusCallback = func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		positions = append(positions, s.Position)
	}

	s := device.NewSession("roof", d, device.Options{}, nil)
	assert.Equal(t, device.Capabilities{HasPark: true, HasInit: true, HasAsyncSlew: true}, s.Capabilities())
	c := motion.NewController(s, motion.Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	t.Cleanup(func() { _ = c.Close(ctx) })
	assert.Equal(t, motion.StatusParked, c.Status())

	require.NoError(t, c.Init(ctx))
	assert.Equal(t, motion.StatusIdle, c.Status())
	assert.True(t, d.Status().Open)
	assert.Equal(t, 100, d.Status().Position)

	require.NoError(t, c.Park(ctx))
	assert.Equal(t, motion.StatusParked, c.Status())
	assert.True(t, d.Status().Closed)
	hw.mu.Lock()
	assert.False(t, hw.fault, "both relays were energized")
	hw.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, positions, 50)
}

func TestFaultIsConnectionError(t *testing.T) {
	d, hw := newDome(t)
	s := device.NewSession("roof", d, device.Options{}, nil)
	c := motion.NewController(s, motion.Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	t.Cleanup(func() { _ = c.Close(ctx) })

	hw.setFault(true)
	require.Eventually(t, func() bool { return d.Status().Fault }, time.Second, 5*time.Millisecond)
	err := c.Init(ctx)
	assert.ErrorIs(t, err, ErrMotorFault)
	assert.Equal(t, motion.CodeConnectionError, motion.CodeOf(err))
	assert.Equal(t, motion.StatusError, c.Status())
}
