// Package status holds the EasyComm III rotator report shared by the driver
// and the simulator.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

type Status struct {
	// AZ command returns:
	AzPos float64 `report:"AZ"`
	// EL command returns:
	ElPos float64 `report:"EL"`

	// IP0 returns temperature
	Temperature float64 `report:"IP0"`

	// IP1 returns Az endstop, IP2 returns El endstop
	AzimuthCCW, AzimuthCW          bool
	ElevationLower, ElevationUpper bool

	// IP3 returns Az position (redundant)
	// IP4 returns El position (redundant)

	// IP5 returns Az drive load
	RawAzDrive float64 `report:"IP5"`
	// IP6 returns El drive load
	RawElDrive float64 `report:"IP6"`
	// IP7 returns Az speed
	AzVel float64 `report:"IP7"`
	// IP8 returns El speed
	ElVel float64 `report:"IP8"`

	// CR10-13 return Az position setpoint, El position setpoint, Az velocity
	// setpoint, El velocity setpoint (not supported by SatNOGS)
	CommandAzPos float64 `report:"CR10"`
	CommandElPos float64 `report:"CR11"`
	CommandAzVel float64 `report:"CR12"`
	CommandElVel float64 `report:"CR13"`

	// GS command returns:
	StatusRegister uint64 `report:"GS"`
	// GE command returns
	ErrorRegister uint64 `report:"GE"`
	ErrorFlags    struct {
		NoError     bool
		SensorError bool
		HomingError bool
		MotorError  bool
	}

	// VE command returns:
	Version string `report:"VE"`

	Moving bool

	CommandAzFlags, CommandElFlags string
}

// Endstop codes reported by IP1 and IP2.
const (
	EndstopNone  = 0
	EndstopLower = 1
	EndstopUpper = 2
)

// Endstops returns the IP1/IP2 codes for the endstop flags.
func (s Status) Endstops() (az, el int) {
	switch {
	case s.AzimuthCCW:
		az = EndstopLower
	case s.AzimuthCW:
		az = EndstopUpper
	}
	switch {
	case s.ElevationLower:
		el = EndstopLower
	case s.ElevationUpper:
		el = EndstopUpper
	}
	return az, el
}

func RegToFlags(reg uint64) string {
	switch reg {
	case 1:
		return "NONE"
	case 2:
		return "VELOCITY"
	case 4, 6:
		return "POSITION"
	case 8:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", reg)
}

// SetStatusRegister stores a GS value and the flags derived from it. The low
// byte is azimuth, the next byte elevation.
func (s *Status) SetStatusRegister(reg uint64) {
	s.StatusRegister = reg
	az, el := reg&0xff, (reg>>8)&0xff
	s.CommandAzFlags = RegToFlags(az)
	s.CommandElFlags = RegToFlags(el)
	s.Moving = az&2 != 0 || el&2 != 0
}

// SetErrorRegister stores a GE value and the flags derived from it.
func (s *Status) SetErrorRegister(reg uint64) {
	s.ErrorRegister = reg
	s.ErrorFlags.NoError = reg&1 != 0
	s.ErrorFlags.SensorError = reg&2 != 0
	s.ErrorFlags.HomingError = reg&4 != 0
	s.ErrorFlags.MotorError = reg&8 != 0
}

// SetRegister stores one numbered IP or CR register.
func (s *Status) SetRegister(bank string, n int, value string) error {
	switch bank {
	case "IP":
		switch n {
		case 0:
			return ParseFloat(&s.Temperature, value)
		case 1, 2:
			code, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			lower, upper := code == EndstopLower, code == EndstopUpper
			if n == 1 {
				s.AzimuthCCW, s.AzimuthCW = lower, upper
			} else {
				s.ElevationLower, s.ElevationUpper = lower, upper
			}
			return nil
		case 3, 4:
			return nil
		case 5:
			return ParseFloat(&s.RawAzDrive, value)
		case 6:
			return ParseFloat(&s.RawElDrive, value)
		case 7:
			return ParseFloat(&s.AzVel, value)
		case 8:
			return ParseFloat(&s.ElVel, value)
		}
	case "CR":
		switch n {
		case 1, 2, 3, 4, 5, 6, 7, 8:
			// PID gains and park positions are not tracked.
			return nil
		case 10:
			return ParseFloat(&s.CommandAzPos, value)
		case 11:
			return ParseFloat(&s.CommandElPos, value)
		case 12:
			return ParseFloat(&s.CommandAzVel, value)
		case 13:
			return ParseFloat(&s.CommandElVel, value)
		}
	}
	return fmt.Errorf("unknown register %s%d", bank, n)
}

// SetRegisters stores consecutive registers starting at n from a
// comma-separated list.
func (s *Status) SetRegisters(bank string, n int, values string) error {
	for i, v := range strings.Split(values, ",") {
		if err := s.SetRegister(bank, n+i, v); err != nil {
			return err
		}
	}
	return nil
}

func ParseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}
