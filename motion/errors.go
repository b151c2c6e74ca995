package motion

import (
	"context"
	"errors"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/transform"
)

var (
	// ErrBusy is returned when another motion operation holds the device.
	ErrBusy = errors.New("device busy")
	// ErrAborted is returned when an operation was cancelled by stop or by the caller.
	ErrAborted = errors.New("operation aborted")
	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidTransition is returned when the current status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnsafeTarget is returned for targets rejected by the sun guard.
	ErrUnsafeTarget = errors.New("unsafe target")
)

// Code is a stable condition code returned to clients.
type Code string

const (
	CodeOK                Code = "OK"
	CodeBusy              Code = "BUSY"
	CodeTimeout           Code = "TIMEOUT"
	CodeAborted           Code = "ABORTED"
	CodeConnectionError   Code = "CONNECTION_ERROR"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeUnsupported       Code = "UNSUPPORTED"
	CodeUnsafeTarget      Code = "UNSAFE_TARGET"
	CodeUnknown           Code = "UNKNOWN"
)

// CodeOf maps err to its condition code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return CodeAborted
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, device.ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrUnsafeTarget), errors.Is(err, transform.ErrTooCloseToSun):
		return CodeUnsafeTarget
	case errors.Is(err, device.ErrConnection):
		return CodeConnectionError
	}
	return CodeUnknown
}
