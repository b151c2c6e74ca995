// Package dome drives a roll-off roof or dome shutter through a Modbus relay
// controller. Opening the roof is the device's initialization and closing
// it is its park.
//
// Register map:
//
//	coil 0            drive open
//	coil 1            drive closed
//	discrete input 0  open limit switch
//	discrete input 1  closed limit switch
//	discrete input 2  motor running
//	discrete input 3  motor fault
//	input register 0  shutter position, percent open
//	holding register 0 motor timeout, seconds
package dome

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/internal/modbus"
)

var (
	_ device.Initializer = (*Dome)(nil)
	_ device.Parker      = (*Dome)(nil)
)

// ErrMotorFault is returned while the controller reports a motor fault.
var ErrMotorFault = errors.New("dome: motor fault")

const (
	coilOpen  = 0
	coilClose = 1

	inputOpen    = 0
	inputClosed  = 1
	inputRunning = 2
	inputFault   = 3
	numInputs    = 4
)

type Status struct {
	CommandOpen  bool
	CommandClose bool
	MotorTimeout int

	Position int
	Open     bool
	Closed   bool
	Running  bool
	Fault    bool
}

type StatusCallback func(status Status)

type Dome struct {
	statusCallback StatusCallback
	log            *logging.Logger
	mu             sync.Mutex
	client         *modbus.Client
	polled         bool
	status         Status
}

// New returns a Dome polling client. Poll on client is replaced.
func New(client *modbus.Client, statusCallback StatusCallback, log *logging.Logger) *Dome {
	if log == nil {
		log = logging.Discard()
	}
	d := &Dome{
		client:         client,
		statusCallback: statusCallback,
		log:            log.With("driver", "dome"),
	}
	if client.SlaveId == 0 {
		client.SlaveId = 1
	}
	client.Log = d.log
	client.Poll = d.pollOnce
	return d
}

func (d *Dome) pollOnce() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	results, err := d.client.ReadInputRegisters(0, 1)
	if err != nil {
		return err
	}
	position := int(binary.BigEndian.Uint16(results))

	results, err = d.client.ReadHoldingRegisters(0, 1)
	if err != nil {
		return err
	}
	timeout := int(binary.BigEndian.Uint16(results))

	coils, err := d.client.ReadCoils(0, 2)
	if err != nil {
		return err
	}
	inputs, err := d.client.ReadDiscreteInputs(0, numInputs)
	if err != nil {
		return err
	}
	c := modbus.BytesToBits(coils)
	in := modbus.BytesToBits(inputs)
	if len(c) < 2 || len(in) < numInputs {
		return errors.New("dome: short response")
	}
	old := d.status
	d.status = Status{
		CommandOpen:  c[coilOpen],
		CommandClose: c[coilClose],
		MotorTimeout: timeout,

		Position: position,
		Open:     in[inputOpen],
		Closed:   in[inputClosed],
		Running:  in[inputRunning],
		Fault:    in[inputFault],
	}
	d.polled = true
	if d.status != old && d.statusCallback != nil {
		d.statusCallback(d.status)
	}
	return nil
}

// Status returns the last polled status.
func (d *Dome) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dome) Connected(ctx context.Context) (bool, error) {
	return d.client.Connected(), nil
}

func (d *Dome) SetConnected(ctx context.Context, connected bool) error {
	if !connected {
		return d.client.Close()
	}
	if d.client.Connected() {
		return nil
	}
	return d.client.Connect(ctx)
}

// current returns the polled status or an error if it cannot be trusted.
func (d *Dome) current() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.polled || !d.client.Connected():
		return Status{}, device.ErrNotConnected
	case d.status.Fault:
		return d.status, ErrMotorFault
	}
	return d.status, nil
}

func (d *Dome) Moving(ctx context.Context) (bool, error) {
	s, err := d.current()
	if err != nil {
		return false, err
	}
	return s.Running || s.CommandOpen && !s.Open || s.CommandClose && !s.Closed, nil
}

func (d *Dome) drive(open, close bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Release the opposite direction first so both relays are never set.
	if open {
		if err := d.client.WriteCoil(coilClose, false); err != nil {
			return err
		}
		if err := d.client.WriteCoil(coilOpen, true); err != nil {
			return err
		}
	} else {
		if err := d.client.WriteCoil(coilOpen, false); err != nil {
			return err
		}
		if err := d.client.WriteCoil(coilClose, close); err != nil {
			return err
		}
	}
	d.status.CommandOpen, d.status.CommandClose = open, close
	return nil
}

func (d *Dome) AbortMotion(ctx context.Context) error {
	d.log.Info("stopping roof")
	return d.drive(false, false)
}

// Initialize opens the roof.
func (d *Dome) Initialize(ctx context.Context) error {
	if _, err := d.current(); err != nil {
		return err
	}
	d.log.Info("opening roof")
	return d.drive(true, false)
}

// Park closes the roof.
func (d *Dome) Park(ctx context.Context) error {
	if _, err := d.current(); err != nil {
		return err
	}
	d.log.Info("closing roof")
	return d.drive(false, true)
}

func (d *Dome) Unpark(ctx context.Context) error {
	return nil
}

// AtPark reports whether the roof is closed and at rest.
func (d *Dome) AtPark(ctx context.Context) (bool, error) {
	s, err := d.current()
	if err != nil {
		return false, err
	}
	return s.Closed && !s.Running && !s.CommandOpen, nil
}
