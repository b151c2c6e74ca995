package modbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coilRecorder struct {
	modbus.Client
	coils map[uint16]uint16
}

func (c *coilRecorder) WriteSingleCoil(address, value uint16) ([]byte, error) {
	c.coils[address] = value
	return nil, nil
}

func TestBytesToBits(t *testing.T) {
	bits := BytesToBits([]byte{0x05, 0x80})
	require.Len(t, bits, 16)
	assert.True(t, bits[0])
	assert.False(t, bits[1])
	assert.True(t, bits[2])
	assert.True(t, bits[15])
}

func TestWriteCoil(t *testing.T) {
	rec := &coilRecorder{coils: map[uint16]uint16{}}
	c := &Client{Client: rec}
	require.NoError(t, c.WriteCoil(3, true))
	require.NoError(t, c.WriteCoil(4, false))
	assert.Equal(t, map[uint16]uint16{3: 0xFF00, 4: 0}, rec.coils)
}

func TestPollLoop(t *testing.T) {
	var polls atomic.Int32
	var failing atomic.Bool
	c := &Client{
		Client:        &coilRecorder{},
		PollInterval:  5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		Poll: func() error {
			polls.Add(1)
			if failing.Load() {
				return errors.New("no response")
			}
			return nil
		},
	}
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	failing.Store(true)
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, time.Millisecond)
	failing.Store(false)
	assert.Eventually(t, c.Connected, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	n := polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, polls.Load())
}

func TestConnectGivesUp(t *testing.T) {
	c := &Client{
		Client:        &coilRecorder{},
		RetryInterval: 5 * time.Millisecond,
		Poll:          func() error { return errors.New("no response") },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	assert.False(t, c.Connected())
}
