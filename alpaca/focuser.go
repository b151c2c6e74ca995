package alpaca

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/w1xm/mount_interface/device"
)

var _ device.LinearDriver = (*Focuser)(nil)

// Focuser is an absolute focuser. Positions are in millimetres.
type Focuser struct {
	common

	mu       sync.Mutex
	stepSize float64
}

// NewFocuser returns a Focuser. stepSize is in microns per step; zero
// reads it from the device.
func NewFocuser(opts Options, stepSize float64) *Focuser {
	return &Focuser{common: common{newClient("focuser", opts)}, stepSize: stepSize}
}

func (f *Focuser) SlewsAsync() bool {
	return true
}

// StepSize returns the step size in microns.
func (f *Focuser) StepSize(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stepSize > 0 {
		return f.stepSize, nil
	}
	size, err := f.getFloat(ctx, "stepsize")
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, errors.New("focuser reports non-positive step size")
	}
	f.stepSize = size
	return size, nil
}

func (f *Focuser) Moving(ctx context.Context) (bool, error) {
	return f.getBool(ctx, "ismoving")
}

func (f *Focuser) AbortMotion(ctx context.Context) error {
	return f.put(ctx, "halt")
}

func (f *Focuser) MoveTo(ctx context.Context, position float64) error {
	size, err := f.StepSize(ctx)
	if err != nil {
		return err
	}
	return f.put(ctx, "move", "Position", int(math.Round(position*1000/size)))
}

func (f *Focuser) LinearPosition(ctx context.Context) (float64, error) {
	size, err := f.StepSize(ctx)
	if err != nil {
		return 0, err
	}
	var steps int
	if err := f.get(ctx, "position", &steps); err != nil {
		return 0, err
	}
	return float64(steps) * size / 1000, nil
}
