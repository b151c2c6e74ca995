// Package simulator emulates an EasyComm III rotator on the far end of a
// net.Pipe.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mount_interface/easycomm/internal/status"
	"github.com/w1xm/mount_interface/internal/logging"
)

// Loosely inspired by https://github.com/rolandturner/ground-simulator/blob/master/Simulator.js

type Simulator struct {
	conn   io.ReadWriteCloser
	log    *logging.Logger
	mu     sync.Mutex
	status status.Status
	last   status.Status
}

// New returns a simulator and the connection a driver should use to talk to it.
func New(log *logging.Logger) (*Simulator, net.Conn) {
	if log == nil {
		log = logging.Discard()
	}
	a, b := net.Pipe()
	s := &Simulator{conn: a, log: log.With("component", "easycomm-sim"), status: status.Status{Version: "sim"}}
	s.status.SetStatusRegister(1 + 1<<8)
	s.status.SetErrorRegister(1)
	return s, b
}

// Position returns the simulated elevation and azimuth.
func (s *Simulator) Position() (el, az float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.ElPos, s.status.AzPos
}

var cmdRE = regexp.MustCompile(`^([A-Z]{2})(.*)$`)

func (s *Simulator) parseInput(input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := cmdRE.FindStringSubmatch(input)
	if parts == nil {
		return fmt.Errorf("unrecognized command %q", input)
	}
	cmd, arg := parts[1], parts[2]
	switch cmd {
	case "SA":
		s.status.CommandAzFlags = "NONE"
		return nil
	case "SE":
		s.status.CommandElFlags = "NONE"
		return nil
	case "AZ":
		if arg != "" {
			s.status.CommandAzFlags = "POSITION"
			return status.ParseFloat(&s.status.CommandAzPos, arg)
		}
	case "EL":
		if arg != "" {
			s.status.CommandElFlags = "POSITION"
			return status.ParseFloat(&s.status.CommandElPos, arg)
		}
	case "VU", "VD":
		if arg != "" {
			s.status.CommandElFlags = "VELOCITY"
			if err := status.ParseFloat(&s.status.CommandElVel, arg); err != nil {
				return err
			}
			// Velocity commands are in mdeg/s
			s.status.CommandElVel /= 1000
			if cmd[1] == 'D' {
				s.status.CommandElVel = -s.status.CommandElVel
			}
			return nil
		}
		dir := "U"
		if s.status.CommandElVel < 0 {
			dir = "D"
		}
		return s.send("V%s%3.2f", dir, math.Abs(s.status.CommandElVel))
	case "VL", "VR":
		if arg != "" {
			s.status.CommandAzFlags = "VELOCITY"
			if err := status.ParseFloat(&s.status.CommandAzVel, arg); err != nil {
				return err
			}
			s.status.CommandAzVel /= 1000
			if cmd[1] == 'L' {
				s.status.CommandAzVel = -s.status.CommandAzVel
			}
			return nil
		}
		dir := "R"
		if s.status.CommandAzVel < 0 {
			dir = "L"
		}
		return s.send("V%s%3.2f", dir, math.Abs(s.status.CommandAzVel))
	case "IP", "CR":
		if strings.Contains(arg, ",") {
			return fmt.Errorf("register %s%s is read-only", cmd, arg)
		}
		return s.sendStatus(nil, cmd+arg)
	}
	if arg == "" {
		return s.sendStatus(nil, cmd)
	}
	return fmt.Errorf("unknown command %q %q", cmd, arg)
}

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 30
	// Maximum velocity in degrees/second
	maxVel = 30
	minVel = 0.1
	// Acceleration due to drag when not driving
	dragAccel = 30
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			if err := s.step(); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		input := scanner.Text()
		s.log.Debug("srv->sim", "input", input)
		if err := s.parseInput(input); err != nil {
			s.log.Warn("parsing", "input", input, "error", err)
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return io.EOF
}

// posServo returns a target velocity for the given move
func posServo(s, t float64) float64 {
	move := math.Remainder(t-s, 360)
	delta := 2 * math.Abs(move)
	if delta > maxVel {
		delta = maxVel
	}
	if move < 0 {
		delta = -delta
	}
	return delta
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t float64) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*stepSize.Seconds() {
		delta = maxAccel * stepSize.Seconds()
	}
	if t < s {
		delta = -delta
	}
	new := s + delta
	if math.Abs(new) < minVel {
		return 0
	}
	if new > maxVel {
		return maxVel
	} else if new < -maxVel {
		return -maxVel
	}
	return new
}

func drag(s float64) float64 {
	a := math.Abs(s)
	a -= dragAccel * stepSize.Seconds()
	if a < 0 {
		a = 0
	}
	if s < 0 {
		return -a
	}
	return a
}

func (s *Simulator) step() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if serr := s.sendStatus(&s.last, ""); serr != nil {
			s.log.Warn("sending status", "error", serr)
			if err == nil {
				err = serr
			}
		}
		s.last = s.status
	}()
	// Update position
	cmdVel := s.status.CommandAzVel
	var azStatus uint64
	switch s.status.CommandAzFlags {
	case "POSITION":
		cmdVel = posServo(s.status.AzPos, s.status.CommandAzPos)
		azStatus = 4
		fallthrough
	case "VELOCITY":
		azStatus |= 2
		s.status.AzVel = velServo(s.status.AzVel, cmdVel)
	default:
		// Coasting
		azStatus = 1
		s.status.AzVel = drag(s.status.AzVel)
	}
	cmdVel = s.status.CommandElVel
	var elStatus uint64
	switch s.status.CommandElFlags {
	case "POSITION":
		cmdVel = posServo(s.status.ElPos, s.status.CommandElPos)
		elStatus = 4
		fallthrough
	case "VELOCITY":
		s.status.ElVel = velServo(s.status.ElVel, cmdVel)
		elStatus |= 2
	default:
		// Coasting
		elStatus = 1
		s.status.ElVel = drag(s.status.ElVel)
	}

	s.status.AzPos = math.Mod(s.status.AzPos+s.status.AzVel*stepSize.Seconds()+360, 360)
	s.status.ElPos = math.Mod(s.status.ElPos+s.status.ElVel*stepSize.Seconds()+360, 360)
	s.status.ElevationLower, s.status.ElevationUpper = false, false
	if s.status.ElPos > 180 {
		s.status.ElPos = 0
		s.status.ElVel = 0
		s.status.ElevationLower = true
	} else if s.status.ElPos > 90 {
		s.status.ElPos = 90
		s.status.ElVel = 0
		s.status.ElevationUpper = true
	}

	s.status.SetStatusRegister(azStatus + (elStatus << 8))
	return nil
}

// sendStatus reports the field tagged cmd, or every field that differs from
// old when cmd is empty.
func (s *Simulator) sendStatus(old *status.Status, cmd string) error {
	var oldv reflect.Value
	if old != nil {
		oldv = reflect.ValueOf(*old)
	}
	v := reflect.ValueOf(s.status)
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		tag := field.Tag.Get("report")
		if tag == "" || tag == "-" {
			continue
		}
		fv := v.Field(i)
		value := fv.Interface()
		if (cmd != "" && cmd != tag) || (cmd == "" && old != nil && reflect.DeepEqual(value, oldv.Field(i).Interface())) {
			continue
		}
		if strings.HasPrefix(tag, "IP") || strings.HasPrefix(tag, "CR") {
			tag += ","
		}
		var err error
		switch fv.Kind() {
		case reflect.Float32, reflect.Float64:
			err = s.send("%s%3.2f", tag, value)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			err = s.send("%s%d", tag, value)
		case reflect.String:
			err = s.send("%s%s", tag, value)
		default:
			err = fmt.Errorf("don't know how to send %s: %q (value %+v)", field.Name, tag, fv.Interface())
		}
		if err != nil {
			return err
		}
	}

	az, el := s.status.Endstops()
	var oldAz, oldEl int
	if old != nil {
		oldAz, oldEl = old.Endstops()
	}
	if cmd == "IP1" || cmd == "" && (old == nil || az != oldAz) {
		if err := s.send("IP1,%d", az); err != nil {
			return err
		}
	}
	if cmd == "IP2" || cmd == "" && (old == nil || el != oldEl) {
		if err := s.send("IP2,%d", el); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) send(cmd string, fields ...interface{}) error {
	if len(fields) > 0 {
		cmd = fmt.Sprintf(cmd, fields...)
	}
	s.log.Debug("sim->srv", "output", cmd)
	_, err := fmt.Fprintf(s.conn, "%s\n", cmd)
	return err
}
