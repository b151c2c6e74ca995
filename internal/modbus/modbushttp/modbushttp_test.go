package modbushttp

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coilBus answers every request with eight coils, the first and third set.
type coilBus struct {
	requests [][]byte
	err      error
}

func (b *coilBus) Send(aduRequest []byte) ([]byte, error) {
	b.requests = append(b.requests, aduRequest)
	if b.err != nil {
		return nil, b.err
	}
	packager := modbus.NewRTUClientHandler("")
	packager.SlaveId = aduRequest[0]
	return packager.Encode(&modbus.ProtocolDataUnit{
		FunctionCode: aduRequest[1],
		Data:         []byte{1, 0x05},
	})
}

func TestRoundTrip(t *testing.T) {
	bus := &coilBus{}
	srv := httptest.NewServer(NewServer(bus, "hunter2", nil))
	defer srv.Close()

	handler := NewClient(srv.URL)
	handler.Password = "hunter2"
	client := modbus.NewClient(handler)
	coils, err := client.ReadCoils(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, coils)
	require.Len(t, bus.requests, 1)
	assert.Equal(t, byte(1), bus.requests[0][0])
	assert.Equal(t, byte(1), bus.requests[0][1], "read coils function code")
}

func TestBusError(t *testing.T) {
	bus := &coilBus{err: errors.New("serial timeout")}
	srv := httptest.NewServer(NewServer(bus, "", nil))
	defer srv.Close()

	_, err := modbus.NewClient(NewClient(srv.URL)).ReadCoils(0, 3)
	assert.EqualError(t, err, "serial timeout")
}

func TestWrongPassword(t *testing.T) {
	bus := &coilBus{}
	srv := httptest.NewServer(NewServer(bus, "hunter2", nil))
	defer srv.Close()

	handler := NewClient(srv.URL)
	handler.Password = "guess"
	_, err := modbus.NewClient(handler).ReadCoils(0, 3)
	assert.ErrorContains(t, err, "401")
	assert.Empty(t, bus.requests)
}
