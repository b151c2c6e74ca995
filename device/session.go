package device

import (
	"context"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/w1xm/mount_interface/internal/logging"
)

// Options tune how a Session presents its driver.
type Options struct {
	// AzimuthOriginOffset is added to commanded azimuths before they reach
	// the driver (driver_az = az + offset mod 360).
	AzimuthOriginOffset float64
	// SyncSlew treats slew commands as blocking even if the driver claims
	// otherwise.
	SyncSlew bool
}

// Session owns the connection to one driver and hands out a scoped Handle
// for each operation.
type Session struct {
	name   string
	drv    Driver
	handle *Handle
	caps   Capabilities
	log    *logging.Logger
	inUse  atomic.Int32
}

func NewSession(name string, drv Driver, opts Options, log *logging.Logger) *Session {
	if log == nil {
		log = logging.Discard()
	}
	return &Session{
		name:   name,
		drv:    drv,
		handle: newHandle(drv, opts.AzimuthOriginOffset),
		caps:   Probe(drv, opts),
		log:    log.With("device", name),
	}
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Capabilities() Capabilities {
	return s.caps
}

// InUse returns the number of handles currently acquired.
func (s *Session) InUse() int {
	return int(s.inUse.Load())
}

// Open connects the driver. It is a no-op if the driver is already connected.
func (s *Session) Open(ctx context.Context) error {
	ok, err := s.drv.Connected(ctx)
	if err != nil {
		return wrapErr(s.name, "open", err)
	}
	if ok {
		s.log.Info("already connected")
		return nil
	}
	s.log.Info("connecting")
	if err := s.drv.SetConnected(ctx, true); err != nil {
		return wrapErr(s.name, "open", err)
	}
	if err := s.Verify(ctx); err != nil {
		return err
	}
	s.log.Info("connected")
	return nil
}

// Verify returns a ConnectionError unless the driver reports connected.
func (s *Session) Verify(ctx context.Context) error {
	ok, err := s.drv.Connected(ctx)
	if err != nil {
		return wrapErr(s.name, "verify", err)
	}
	if !ok {
		return &ConnectionError{Device: s.name, Op: "verify", Err: ErrNotConnected}
	}
	return nil
}

// Close disconnects the driver if it is connected and releases its transport.
func (s *Session) Close(ctx context.Context) error {
	var errs error
	ok, err := s.drv.Connected(ctx)
	if err != nil {
		errs = multierr.Append(errs, wrapErr(s.name, "close", err))
	} else if ok {
		s.log.Info("disconnecting")
		errs = multierr.Append(errs, wrapErr(s.name, "close", s.drv.SetConnected(ctx, false)))
	}
	if c, ok := s.drv.(Closer); ok {
		errs = multierr.Append(errs, wrapErr(s.name, "close", c.Close()))
	}
	return errs
}

// WithDevice runs fn with a handle to the driver. The handle must not be
// retained after fn returns. Driver errors are wrapped in ConnectionError
// unless ctx has ended, in which case fn's error is returned as is.
func (s *Session) WithDevice(ctx context.Context, op string, fn func(ctx context.Context, h *Handle) error) error {
	s.inUse.Add(1)
	defer s.inUse.Add(-1)
	err := fn(ctx, s.handle)
	if err != nil && ctx.Err() != nil {
		return err
	}
	return wrapErr(s.name, op, err)
}
