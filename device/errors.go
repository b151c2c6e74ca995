package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned when the driver refuses to report connected.
	ErrNotConnected = errors.New("device not connected")
	// ErrUnsupported is returned for operations the driver cannot perform.
	ErrUnsupported = errors.New("operation not supported by device")
)

// ConnectionError wraps a driver failure with the device and operation.
type ConnectionError struct {
	Device string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// wrapErr classifies a driver error. Context errors, unsupported
// operations and existing connection errors pass through unchanged.
func wrapErr(device, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &ConnectionError{Device: device, Op: op, Err: err}
}
