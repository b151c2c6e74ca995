// Package rci drives an antenna through a Radio Control Interface (RCI)
// register board on a serial port.
package rci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/multierr"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/transform"
)

var (
	_ device.HorizontalDriver = (*RCI)(nil)
	_ device.Initializer      = (*RCI)(nil)
)

type Status struct {
	RawRegisters [12]uint16
	Diag         uint16
	RawAzPos     int16
	RawElPos     int16
	// AzPos and ElPos are in decimal degrees.
	// They are calculated as 360*(reg/65536).
	AzPos float64
	ElPos float64
	// AzVel and ElVel are in degrees/second.
	// Positive indicates clockwise.
	// They are calculated as 360*(reg/65536).
	AzVel float64
	ElVel float64
	// Status contains the 48 status inputs.
	Status [48]bool
	// These are flags.
	LocalMode       bool
	MaintenanceMode bool
	ElevationLower  bool
	ElevationUpper  bool
	Simulator       bool
	BadCommand      bool
	HostOkay        bool
	ShutdownError   uint8
	// Moving indicates whether there is a pending move that has not yet completed.
	Moving bool

	WriteRegisters                 [11]uint16
	CommandDiag                    uint16
	CommandAzPos, CommandElPos     float64
	CommandAzVel, CommandElVel     float64
	CommandAzFlags, CommandElFlags string
}

type StatusCallback func(status Status)

func regToSigned(reg uint16) float64 {
	return 360 * float64(int16(reg)) / 65536
}

func regToFlags(reg uint16) string {
	switch reg {
	case 0:
		return "NONE"
	case 1:
		return "POSITION"
	case 2:
		return "VELOCITY"
	}
	return "UNKNOWN"
}

const (
	QUIESCENT_VELOCITY = 0.2
	QUIESCENT_TIME     = 1 * time.Second
)

// parseRegisters is called with mu held.
func (r *RCI) parseRegisters() Status {
	registers := r.readRegisters
	writeRegisters := r.writeRegisters
	status := Status{
		RawRegisters: registers,
		Diag:         registers[0],
		RawAzPos:     int16(registers[1]),
		RawElPos:     int16(registers[2]),
		AzPos:        360 * float64(registers[1]) / 65536,
		ElPos:        regToSigned(registers[2]),
		AzVel:        regToSigned(registers[3]),
		ElVel:        regToSigned(registers[4]),

		WriteRegisters: writeRegisters,
		CommandDiag:    writeRegisters[0],
		CommandAzPos:   360 * float64(writeRegisters[1]) / 65536,
		CommandAzVel:   regToSigned(writeRegisters[2]),
		CommandElPos:   360 * float64(writeRegisters[4]) / 65536,
		CommandElVel:   regToSigned(writeRegisters[5]),
		CommandAzFlags: regToFlags(writeRegisters[3]),
		CommandElFlags: regToFlags(writeRegisters[6]),
	}
	for i := range status.Status {
		status.Status[i] = ((registers[5+(i/16)] >> (uint(i) % 16)) & 1) == 1
	}
	flags := registers[8]
	status.LocalMode = flags&1 != 0
	status.MaintenanceMode = flags&2 != 0
	status.ElevationLower = flags&4 != 0
	status.ElevationUpper = flags&8 != 0
	status.Simulator = flags&16 != 0
	status.BadCommand = flags&32 != 0
	status.HostOkay = flags&64 != 0
	status.ShutdownError = uint8(flags >> 10)

	moving := ((status.CommandAzFlags != "NONE" || status.CommandElFlags != "NONE") && status.ShutdownError != 0) || math.Abs(status.AzVel) > QUIESCENT_VELOCITY || math.Abs(status.ElVel) > QUIESCENT_VELOCITY
	if moving {
		r.lastMove = r.now()
	}
	status.Moving = r.now().Sub(r.lastMove) < QUIESCENT_TIME
	return status
}

// OpenFunc opens the serial transport.
type OpenFunc func() (io.ReadWriteCloser, error)

// SerialPort returns an OpenFunc for the named port.
func SerialPort(name string, baud int) OpenFunc {
	return func() (io.ReadWriteCloser, error) {
		if baud <= 0 {
			// Baud rate does not matter.
			baud = 9600
		}
		p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type Options struct {
	// AcceptableShutdowns are shutdown codes that are cleared automatically.
	AcceptableShutdowns []uint8
	// Tolerance is the pointing error in degrees below which a commanded
	// move is considered complete. Defaults to 0.1.
	Tolerance float64
	// RetryInterval is the pause before reopening a failed port. Defaults to 1s.
	RetryInterval time.Duration
	// OnStatus, if set, is called after every register update.
	OnStatus StatusCallback
}

type RCI struct {
	open OpenFunc
	log  *logging.Logger
	opts Options
	now  func() time.Time
	// acceptableShutdowns is a bitmask of the shutdown conditions that can be ignored
	acceptableShutdowns map[uint8]bool

	mu             sync.Mutex
	s              io.ReadWriteCloser
	readRegisters  [12]uint16
	writeRegisters [11]uint16
	lastDiag       uint16
	lastMove       time.Time
	target         *transform.Horizontal
	fresh          chan struct{}
	cancel         context.CancelFunc
	done           chan struct{}
}

func New(open OpenFunc, opts Options, log *logging.Logger) *RCI {
	if opts.Tolerance <= 0 {
		opts.Tolerance = 0.1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	r := &RCI{
		open:                open,
		log:                 log.With("driver", "rci"),
		opts:                opts,
		now:                 time.Now,
		acceptableShutdowns: make(map[uint8]bool),
	}
	for _, code := range opts.AcceptableShutdowns {
		r.acceptableShutdowns[code] = true
	}
	return r
}

// Status returns the decoded registers.
func (r *RCI) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parseRegisters()
}

func (r *RCI) Connected(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s != nil, nil
}

// SetConnected opens the port and keeps reading registers in the background,
// reopening the port after a failure, until SetConnected(false).
func (r *RCI) SetConnected(ctx context.Context, connected bool) error {
	if !connected {
		r.mu.Lock()
		cancel, done := r.cancel, r.done
		r.cancel, r.done = nil, nil
		r.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		return nil
	}
	if ok, _ := r.Connected(ctx); ok {
		return nil
	}
	s, err := r.open()
	if err != nil {
		return fmt.Errorf("opening port: %w", err)
	}
	r.log.Info("opened port")
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	fresh := r.attach(s)
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()
	go func() {
		defer close(done)
		r.reconnectLoop(loopCtx, s)
	}()
	select {
	case <-fresh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RCI) attach(s io.ReadWriteCloser) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s = s
	r.fresh = make(chan struct{})
	return r.fresh
}

func (r *RCI) reconnectLoop(ctx context.Context, s io.ReadWriteCloser) {
	for {
		r.watch(ctx, s)
		r.mu.Lock()
		r.s = nil
		r.mu.Unlock()
		for s = nil; s == nil; {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.RetryInterval):
			}
			var err error
			if s, err = r.open(); err != nil {
				r.log.Warn("reopening port", "error", err)
				s = nil
				continue
			}
			r.log.Info("reopened port")
			r.attach(s)
		}
	}
}

func (r *RCI) watch(ctx context.Context, s io.ReadWriteCloser) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer func() {
		if stop() {
			s.Close()
		}
	}()
	exitingShutdown := false
	scanner := bufio.NewScanner(s)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if len(input) < 1 {
			continue
		}
		switch {
		case input[0] == '!':
			r.log.Info("rci message", "message", input[1:])
		case input[0] == 'r':
			if err := r.readLine(input[1:]); err != nil {
				r.log.Warn("parsing registers", "input", input, "error", err)
				continue
			}
			if status := r.Status(); status.ShutdownError != 0 && r.acceptableShutdowns[status.ShutdownError] {
				if !exitingShutdown {
					exitingShutdown = true
					r.log.Info("acceptable shutdown; automatically exiting shutdown", "code", status.ShutdownError)
					if err := r.exitShutdown(ctx); err != nil {
						r.log.Warn("exiting shutdown", "error", err)
					}
				}
			} else {
				exitingShutdown = false
			}
		default:
			r.log.Warn("unknown input", "input", input)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.log.Warn("reading serial port", "error", err)
	}
}

func (r *RCI) readLine(line string) error {
	words := strings.Fields(line)
	r.mu.Lock()
	for i, word := range words {
		if i >= len(r.readRegisters) {
			break
		}
		v, err := strconv.ParseUint(word, 16, 16)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.readRegisters[i] = uint16(v)
	}
	if r.fresh != nil {
		close(r.fresh)
		r.fresh = nil
	}
	r.mu.Unlock()
	r.notifyStatus()
	return nil
}

func (r *RCI) notifyStatus() {
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(r.Status())
	}
}

func (r *RCI) Write(register int, values ...uint16) error {
	r.mu.Lock()
	if r.s == nil {
		r.mu.Unlock()
		return device.ErrNotConnected
	}
	out := []string{fmt.Sprintf("%x", register)}
	for i, v := range values {
		r.writeRegisters[register+i] = v
		out = append(out, fmt.Sprintf("%x", v))
	}
	outStr := "w" + strings.Join(out, " ") + "\n"
	r.log.Debug("writing", "line", strings.TrimSpace(outStr))
	_, err := r.s.Write([]byte(outStr))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notifyStatus()
	return nil
}

const (
	SERVO_NONE     uint16 = 0
	SERVO_POSITION uint16 = 1
	SERVO_VELOCITY uint16 = 2
)

// writeAll writes register/value pairs, bumping the diagnostic counter first.
func (r *RCI) writeAll(pairs ...[2]uint16) error {
	r.mu.Lock()
	r.lastDiag++
	diag := r.lastDiag
	r.mu.Unlock()
	if err := r.Write(0, diag); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := r.Write(int(p[0]), p[1]); err != nil {
			return err
		}
	}
	return nil
}

func angleToReg(angle float64) uint16 {
	return uint16(int64(math.Round(angle/360*65536)) & 0xffff)
}

func (r *RCI) Moving(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s == nil {
		return false, device.ErrNotConnected
	}
	status := r.parseRegisters()
	if status.Moving {
		return true, nil
	}
	if t := r.target; t != nil {
		if math.Abs(math.Remainder(status.AzPos-t.Az, 360)) > r.opts.Tolerance ||
			math.Abs(status.ElPos-t.Alt) > r.opts.Tolerance {
			return true, nil
		}
		r.target = nil
	}
	return false, nil
}

func (r *RCI) AbortMotion(ctx context.Context) error {
	r.mu.Lock()
	r.target = nil
	r.mu.Unlock()
	return r.writeAll([2]uint16{3, SERVO_NONE}, [2]uint16{6, SERVO_NONE})
}

func (r *RCI) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	az := transform.Wrap360(target.Az)
	if err := r.writeAll(
		[2]uint16{1, angleToReg(az)},
		[2]uint16{3, SERVO_POSITION},
		[2]uint16{4, angleToReg(target.Alt)},
		[2]uint16{6, SERVO_POSITION},
	); err != nil {
		return err
	}
	r.mu.Lock()
	r.target = &transform.Horizontal{Alt: target.Alt, Az: az}
	r.lastMove = r.now()
	r.mu.Unlock()
	return nil
}

func (r *RCI) AltAz(ctx context.Context) (transform.Horizontal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s == nil {
		return transform.Horizontal{}, device.ErrNotConnected
	}
	status := r.parseRegisters()
	return transform.Horizontal{Alt: status.ElPos, Az: status.AzPos}, nil
}

// Initialize stops both axes and clears any shutdown condition.
func (r *RCI) Initialize(ctx context.Context) error {
	if err := r.AbortMotion(ctx); err != nil {
		return err
	}
	return r.exitShutdown(ctx)
}

func (r *RCI) exitShutdown(ctx context.Context) error {
	// Toggling this bit from 0 to 1 to 0 in a time not less than
	// 0.1 seconds, but not greater than 1.0 second, will force
	// the RCI to exit from any prior shutdown condition. The
	// toggling feature prevents the bit from accidentally being
	// left active, since doing so would prevent genuine shutdowns
	// from proceeding normally.
	for i, v := range []uint16{0, 1, 0} {
		if i > 0 {
			select {
			case <-ctx.Done():
				// Never leave the bit set.
				return multierr.Combine(ctx.Err(), r.Write(10, 0))
			case <-time.After(200 * time.Millisecond):
			}
		}
		if err := r.Write(10, v); err != nil {
			return err
		}
	}
	return nil
}
