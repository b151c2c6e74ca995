// Package motion is the motion control core: a status state machine, a
// single-operation executor with cooperative abort, the pointing offset
// store and the Controller facade that composes them over a device.Session.
package motion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/transform"
)

// Target is an absolute target without offset.
type Target struct {
	Frame      Frame                `json:"frame"`
	Equatorial transform.Equatorial `json:"equatorial"`
	Horizontal transform.Horizontal `json:"horizontal"`
	Linear     float64              `json:"linear"`
	Track      bool                 `json:"track"`
}

// Coordinates holds a position in every frame it could be derived in.
type Coordinates struct {
	Equatorial *transform.Equatorial `json:"equatorial,omitempty"`
	Horizontal *transform.Horizontal `json:"horizontal,omitempty"`
	Linear     *float64              `json:"linear,omitempty"`
}

// Position is the pointing read back from the device. Live includes the
// offset; Base has it removed in the offset's frame.
type Position struct {
	Time   time.Time   `json:"time"`
	Frame  Frame       `json:"frame"`
	Live   Coordinates `json:"live"`
	Base   Coordinates `json:"base"`
	Offset Offset      `json:"offset"`
}

type Option func(*Controller)

func WithLogger(log *logging.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithTransformer(t transform.Transformer) Option {
	return func(c *Controller) { c.transformer = t }
}

// WithClock replaces time.Now for frame conversions.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSun replaces the Sun ephemeris used by the sun guard.
func WithSun(sun transform.SunFunc) Option {
	return func(c *Controller) { c.sun = sun }
}

// Controller is the public motion API for one device. All methods are safe
// for concurrent use. Motion methods fail with ErrBusy while another motion
// is running; Stop, Status, Offset and Position never wait for it.
type Controller struct {
	session     *device.Session
	caps        device.Capabilities
	cfg         Config
	log         *logging.Logger
	transformer transform.Transformer
	sun         transform.SunFunc
	now         func() time.Time

	sm      *StateMachine
	exec    *Executor
	offset  OffsetStore
	target  atomic.Pointer[Target]
	tracker tracker

	ctx    context.Context
	cancel context.CancelFunc
}

func NewController(session *device.Session, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		session:     session,
		caps:        session.Capabilities(),
		cfg:         cfg.withDefaults(),
		log:         logging.Discard(),
		transformer: transform.Spherical{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("device", session.Name())
	c.sm = NewStateMachine(session.Name())
	c.exec = NewExecutor(session.Name(), c.cfg.Timeout, c.log)
	c.offset.Set(Offset{Frame: c.primaryFrame()})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Controller) Name() string {
	return c.session.Name()
}

func (c *Controller) Capabilities() device.Capabilities {
	return c.caps
}

// Status returns the current motion status.
func (c *Controller) Status() Status {
	return c.sm.Status()
}

// Offset returns the current offset.
func (c *Controller) Offset() Offset {
	return c.offset.Get()
}

// Target returns the last absolute target, if any.
func (c *Controller) Target() (Target, bool) {
	if t := c.target.Load(); t != nil {
		return *t, true
	}
	return Target{}, false
}

// SoftwareTracking reports whether the controller is re-pointing the device.
func (c *Controller) SoftwareTracking() bool {
	return c.tracker.running()
}

func (c *Controller) AddStatusHandler(handlers ...StatusHandler) {
	c.sm.AddHandler(handlers...)
}

func (c *Controller) AddOperationHandler(handlers ...OperationHandler) {
	c.exec.AddHandler(handlers...)
}

// Open connects the device and syncs the status with the hardware. A device
// found slewing is watched in the background until it stops.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.session.Open(ctx); err != nil {
		return err
	}
	var status Status
	err := c.session.WithDevice(ctx, "open", func(ctx context.Context, h *device.Handle) (err error) {
		status, err = liveStatus(ctx, h)
		return err
	})
	if err != nil {
		return err
	}
	c.sm.Sync(status)
	c.log.Info("opened", "status", status)

	if status == StatusSlewing {
		return c.exec.Go(c.ctx, "adopt", func(ctx context.Context) error {
			err := c.session.WithDevice(ctx, "adopt", func(ctx context.Context, h *device.Handle) error {
				return c.waitStopped(ctx, h)
			})
			if err == nil {
				err = c.sm.Transition(StatusSlewing, StatusPositioned)
			}
			if err != nil {
				c.recover(ctx, StatusSlewing, err)
			}
			return err
		}, nil)
	}
	return nil
}

// liveStatus derives the status from the driver flags.
func liveStatus(ctx context.Context, h *device.Handle) (Status, error) {
	if h.Tracker != nil {
		tracking, err := h.Tracker.Tracking(ctx)
		if err != nil {
			return "", err
		}
		if tracking {
			return StatusTracking, nil
		}
	}
	moving, err := h.Moving(ctx)
	if err != nil {
		return "", err
	}
	if moving {
		return StatusSlewing, nil
	}
	if h.Parker != nil {
		parked, err := h.Parker.AtPark(ctx)
		if err != nil {
			return "", err
		}
		if parked {
			return StatusParked, nil
		}
	}
	return StatusIdle, nil
}

// Close aborts any running operation and disconnects the device once no
// operation or driver call still holds it, or ctx ends.
func (c *Controller) Close(ctx context.Context) error {
	c.tracker.stop()
	c.exec.Abort()
	c.cancel()
	err := c.exec.Exclusive(ctx, func() error {
		return c.session.Close(ctx)
	})
	if err == nil {
		c.exec.Wait()
	}
	return err
}

// Init drives the device to its reference state. Allowed from IDLE and PARKED.
func (c *Controller) Init(ctx context.Context) error {
	return c.exec.Run(ctx, "init", func(ctx context.Context) error {
		c.tracker.stop()
		return c.perform(ctx, "init", StatusInitializing, func(ctx context.Context, h *device.Handle) (Status, error) {
			c.offset.Reset()
			c.target.Store(nil)
			if h.Parker != nil {
				parked, err := h.Parker.AtPark(ctx)
				if err != nil {
					return "", err
				}
				if parked {
					c.log.Info("unparking")
					if err := h.Parker.Unpark(ctx); err != nil {
						return "", err
					}
				}
			}
			switch {
			case h.Initializer != nil:
				if err := h.Initializer.Initialize(ctx); err != nil {
					return "", err
				}
				if err := c.waitStopped(ctx, h); err != nil {
					return "", err
				}
			case c.cfg.InitPosition != nil && c.canDrive(FrameHorizontal):
				tgt := Target{Frame: FrameHorizontal, Horizontal: *c.cfg.InitPosition}
				if err := c.drive(ctx, h, tgt); err != nil {
					return "", err
				}
			}
			return StatusIdle, nil
		})
	})
}

// Park moves the device to its park position. Parking a parked device is a no-op.
func (c *Controller) Park(ctx context.Context) error {
	return c.exec.Run(ctx, "park", func(ctx context.Context) error {
		if c.sm.Status() == StatusParked {
			return nil
		}
		if !c.caps.HasPark && (c.cfg.ParkPosition == nil || !c.canDrive(FrameHorizontal)) {
			return fmt.Errorf("park: %w", device.ErrUnsupported)
		}
		c.tracker.stop()
		return c.perform(ctx, "park", StatusParking, func(ctx context.Context, h *device.Handle) (Status, error) {
			c.offset.Reset()
			c.target.Store(nil)
			if h.Tracker != nil {
				if err := h.Tracker.SetTracking(ctx, false); err != nil {
					return "", err
				}
			}
			if h.Parker == nil {
				tgt := Target{Frame: FrameHorizontal, Horizontal: *c.cfg.ParkPosition}
				return StatusParked, c.drive(ctx, h, tgt)
			}
			if err := h.Parker.Park(ctx); err != nil {
				return "", err
			}
			return StatusParked, WaitFor(ctx, c.cfg.PollInterval, h.Parker.AtPark)
		})
	})
}

// SlewToEquatorial slews to target and optionally tracks it. The offset is reset.
func (c *Controller) SlewToEquatorial(ctx context.Context, target transform.Equatorial, track bool) error {
	return c.slew(ctx, "slew_equatorial", Target{Frame: FrameEquatorial, Equatorial: target, Track: track})
}

// SlewToHorizontal slews to a fixed Alt/Az position. The offset is reset.
func (c *Controller) SlewToHorizontal(ctx context.Context, target transform.Horizontal) error {
	return c.slew(ctx, "slew_horizontal", Target{Frame: FrameHorizontal, Horizontal: target})
}

// MoveLinear moves a single-axis device to position plus the current offset.
// Unlike sky slews the offset is kept.
func (c *Controller) MoveLinear(ctx context.Context, position float64) error {
	return c.slew(ctx, "move", Target{Frame: FrameLinear, Linear: position})
}

func (c *Controller) slew(ctx context.Context, op string, tgt Target) error {
	return c.exec.Run(ctx, op, func(ctx context.Context) error {
		if err := c.checkDrive(tgt.Frame); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		next := Offset{Frame: tgt.Frame}
		if tgt.Frame == FrameLinear {
			next = c.offset.Get()
			next.Frame = FrameLinear
		}
		if err := c.checkSun(next, tgt); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		c.tracker.stop()
		err := c.perform(ctx, op, StatusSlewing, func(ctx context.Context, h *device.Handle) (Status, error) {
			c.offset.Set(next)
			c.target.Store(&tgt)
			return c.finalStatus(tgt), c.drive(ctx, h, c.commanded(next, tgt))
		})
		if err == nil {
			c.maybeTrack(tgt)
		}
		return err
	})
}

// SetOffset re-points the device at the current base position plus the new
// offset (d1, d2). A tracking device is tracking again afterwards.
func (c *Controller) SetOffset(ctx context.Context, d1, d2 float64) error {
	return c.exec.Run(ctx, "set_offset", func(ctx context.Context) error {
		cur := c.sm.Status()
		if cur == StatusParked || cur == StatusError {
			return fmt.Errorf("set_offset: %w: offset while %s", ErrInvalidTransition, cur)
		}
		frame := c.offsetFrame()
		if err := c.checkDrive(frame); err != nil {
			return fmt.Errorf("set_offset: %w", err)
		}

		old := c.offset.Get()
		next := Offset{Frame: frame, D1: d1, D2: d2}
		base := Target{Frame: frame, Track: cur == StatusTracking}
		err := c.session.WithDevice(ctx, "set_offset", func(ctx context.Context, h *device.Handle) error {
			var err error
			switch frame {
			case FrameEquatorial:
				var live transform.Equatorial
				live, err = c.readEquatorial(ctx, h)
				base.Equatorial = old.RemoveEquatorial(live)
			case FrameHorizontal:
				var live transform.Horizontal
				live, err = c.readHorizontal(ctx, h)
				base.Horizontal = old.RemoveHorizontal(live)
			case FrameLinear:
				var live float64
				live, err = h.Linear.LinearPosition(ctx)
				base.Linear = old.RemoveLinear(live)
			}
			return err
		})
		if err != nil {
			return err
		}
		if err := c.checkSun(next, base); err != nil {
			return fmt.Errorf("set_offset: %w", err)
		}

		c.tracker.stop()
		err = c.perform(ctx, "set_offset", StatusSlewing, func(ctx context.Context, h *device.Handle) (Status, error) {
			c.offset.Set(next)
			c.target.Store(&base)
			return c.finalStatus(base), c.drive(ctx, h, c.commanded(next, base))
		})
		if err == nil {
			c.maybeTrack(base)
		}
		return err
	})
}

// Stop halts the device without waiting for a running operation: the
// operation is aborted, the hardware is told to stop and tracking is
// switched off. SLEWING, TRACKING and POSITIONED revert to IDLE.
func (c *Controller) Stop(ctx context.Context) error {
	c.tracker.stop()
	if c.exec.Abort() {
		c.log.Info("aborted running operation")
	}
	var err error
	if c.sm.Status() != StatusParked {
		err = c.session.WithDevice(ctx, "stop", func(ctx context.Context, h *device.Handle) error {
			err := h.AbortMotion(ctx)
			if h.Tracker != nil {
				err = multierr.Append(err, h.Tracker.SetTracking(ctx, false))
			}
			return err
		})
	}
	if t := c.target.Load(); t != nil && t.Track {
		stopped := *t
		stopped.Track = false
		c.target.Store(&stopped)
	}
	if c.cfg.ClearOffsetOnStop {
		c.offset.Reset()
	}
	c.sm.Revert(StatusSlewing, StatusTracking, StatusPositioned)
	return err
}

// Reset clears the ERROR status after verifying the connection.
func (c *Controller) Reset(ctx context.Context) error {
	return c.exec.Run(ctx, "reset", func(ctx context.Context) error {
		if c.sm.Status() != StatusError {
			return nil
		}
		if err := c.session.Verify(ctx); err != nil {
			return err
		}
		c.tracker.stop()
		return c.sm.Transition(StatusError, StatusIdle)
	})
}

// Position reads the live pointing and derives the base position and the
// other frame where possible. It does not wait for a running operation.
func (c *Controller) Position(ctx context.Context) (Position, error) {
	off := c.offset.Get()
	pos := Position{Time: c.now(), Frame: c.offsetFrame(), Offset: off}
	err := c.session.WithDevice(ctx, "position", func(ctx context.Context, h *device.Handle) error {
		if h.Linear != nil {
			v, err := h.Linear.LinearPosition(ctx)
			if err != nil {
				return err
			}
			base := off.RemoveLinear(v)
			pos.Live.Linear, pos.Base.Linear = &v, &base
		}
		if c.canRead(FrameEquatorial) {
			eq, err := c.readEquatorial(ctx, h)
			if err != nil {
				return err
			}
			base := off.RemoveEquatorial(eq)
			pos.Live.Equatorial = &eq
			if pos.Frame == FrameEquatorial {
				pos.Base.Equatorial = &base
			}
		}
		if c.canRead(FrameHorizontal) {
			hor, err := c.readHorizontal(ctx, h)
			if err != nil {
				return err
			}
			base := off.RemoveHorizontal(hor)
			pos.Live.Horizontal = &hor
			if pos.Frame == FrameHorizontal {
				pos.Base.Horizontal = &base
			}
		}
		return nil
	})
	return pos, err
}

// perform runs body between the begin status and the status it returns.
// On failure the status reverts to IDLE, or to ERROR for driver faults.
func (c *Controller) perform(ctx context.Context, op string, begin Status, body func(ctx context.Context, h *device.Handle) (Status, error)) error {
	if _, err := c.sm.Begin(begin); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var final Status
	err := c.session.WithDevice(ctx, op, func(ctx context.Context, h *device.Handle) (err error) {
		final, err = body(ctx, h)
		return err
	})
	if err == nil {
		err = c.sm.Transition(begin, final)
		if err != nil && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
	}
	if err != nil {
		c.recover(ctx, begin, err)
	}
	return err
}

func (c *Controller) recover(ctx context.Context, begin Status, err error) {
	if ctx.Err() == nil && errors.Is(err, device.ErrConnection) {
		if c.sm.Transition(begin, StatusError) == nil {
			c.log.Error("device fault", "error", err)
		}
		return
	}
	c.sm.Revert(begin)
}

func (c *Controller) finalStatus(tgt Target) Status {
	if tgt.Track && tgt.Frame == FrameEquatorial {
		return StatusTracking
	}
	return StatusPositioned
}

// commanded returns tgt with the offset applied.
func (c *Controller) commanded(off Offset, tgt Target) Target {
	switch tgt.Frame {
	case FrameEquatorial:
		tgt.Equatorial = off.ApplyEquatorial(tgt.Equatorial)
	case FrameHorizontal:
		tgt.Horizontal = off.ApplyHorizontal(tgt.Horizontal)
	case FrameLinear:
		tgt.Linear = off.ApplyLinear(tgt.Linear)
	}
	return tgt
}

// drive issues the move for tgt, waits for it to complete and settles.
func (c *Controller) drive(ctx context.Context, h *device.Handle, tgt Target) error {
	// viaEquatorial is true when the driver moves in RA/Dec.
	viaEquatorial := tgt.Frame == FrameEquatorial && h.Equatorial != nil ||
		tgt.Frame == FrameHorizontal && h.Horizontal == nil
	issue := func(ctx context.Context) error {
		switch tgt.Frame {
		case FrameLinear:
			return h.Linear.MoveTo(ctx, tgt.Linear)
		case FrameEquatorial:
			if h.Equatorial == nil {
				hor, err := c.toHorizontal(tgt.Equatorial)
				if err != nil {
					return err
				}
				return h.Horizontal.SlewToAltAz(ctx, hor)
			}
		case FrameHorizontal:
			if h.Horizontal != nil {
				if h.Tracker != nil {
					if err := h.Tracker.SetTracking(ctx, false); err != nil {
						return err
					}
				}
				return h.Horizontal.SlewToAltAz(ctx, tgt.Horizontal)
			}
		}
		eq := tgt.Equatorial
		if tgt.Frame == FrameHorizontal {
			var err error
			if eq, err = c.toEquatorial(tgt.Horizontal); err != nil {
				return err
			}
		}
		if h.Tracker != nil {
			if err := h.Tracker.SetTracking(ctx, true); err != nil {
				return err
			}
		}
		return h.Equatorial.SlewToCoordinates(ctx, eq)
	}

	if err := c.issueAndWait(ctx, h, issue); err != nil {
		return err
	}
	if viaEquatorial && !tgt.Track && h.Tracker != nil {
		if err := h.Tracker.SetTracking(ctx, false); err != nil {
			return err
		}
	}
	return Sleep(ctx, c.cfg.SettleTime)
}

// issueAndWait runs issue and polls until the device has stopped moving.
// Blocking drivers are run in a goroutine so the abort signal is still
// observed at every poll.
func (c *Controller) issueAndWait(ctx context.Context, h *device.Handle, issue func(ctx context.Context) error) error {
	if c.caps.HasAsyncSlew {
		if err := issue(ctx); err != nil {
			return err
		}
		return c.waitStopped(ctx, h)
	}
	done := make(chan error, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		done <- issue(ctx)
	}()
	err := WaitFor(ctx, c.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		select {
		case err := <-done:
			return true, err
		default:
			return false, nil
		}
	})
	select {
	case <-returned:
	default:
		c.log.Warn("driver call still running after abort; device stays busy until it returns")
		c.exec.Linger(returned)
	}
	return err
}

func (c *Controller) waitStopped(ctx context.Context, h *device.Handle) error {
	return WaitFor(ctx, c.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		moving, err := h.Moving(ctx)
		return !moving, err
	})
}

// maybeTrack starts software tracking when a horizontal-only driver is
// asked to track an equatorial target.
func (c *Controller) maybeTrack(tgt Target) {
	if !tgt.Track || tgt.Frame != FrameEquatorial || c.caps.Equatorial {
		return
	}
	c.log.Info("software tracking", "interval", c.cfg.TrackInterval)
	c.tracker.start(c.ctx, c.cfg.TrackInterval, c.trackStep)
}

func (c *Controller) trackStep(ctx context.Context) bool {
	if c.sm.Status() != StatusTracking {
		return false
	}
	tgt := c.target.Load()
	if tgt == nil || !tgt.Track {
		return false
	}
	hor, err := c.toHorizontal(c.offset.Get().ApplyEquatorial(tgt.Equatorial))
	if err != nil {
		return false
	}
	ran, err := c.exec.TryDo(func() error {
		return c.session.WithDevice(ctx, "track", func(ctx context.Context, h *device.Handle) error {
			return h.Horizontal.SlewToAltAz(ctx, hor)
		})
	})
	if !ran || err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	c.log.Warn("tracking update failed", "error", err)
	if errors.Is(err, device.ErrConnection) && c.sm.Transition(StatusTracking, StatusError) == nil {
		return false
	}
	return true
}

func (c *Controller) checkSun(off Offset, tgt Target) error {
	if c.cfg.SunAvoidance <= 0 || c.cfg.Location == nil {
		return nil
	}
	var hor transform.Horizontal
	switch tgt.Frame {
	case FrameEquatorial:
		hor = c.transformer.ToHorizontal(off.ApplyEquatorial(tgt.Equatorial), *c.cfg.Location, c.now())
	case FrameHorizontal:
		hor = off.ApplyHorizontal(tgt.Horizontal)
	default:
		return nil
	}
	guard := transform.SunGuard{Location: *c.cfg.Location, Radius: c.cfg.SunAvoidance, Sun: c.sun}
	if err := guard.Check(hor); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsafeTarget, err)
	}
	return nil
}

// primaryFrame is the frame positions are reported in when no target is set.
func (c *Controller) primaryFrame() Frame {
	switch {
	case c.caps.Linear:
		return FrameLinear
	case c.caps.Equatorial:
		return FrameEquatorial
	case c.caps.Horizontal:
		return FrameHorizontal
	}
	return FrameNone
}

// offsetFrame is the frame of the last target, or the primary frame.
func (c *Controller) offsetFrame() Frame {
	if t := c.target.Load(); t != nil {
		return t.Frame
	}
	if f := c.offset.Get().Frame; f != FrameNone {
		return f
	}
	return c.primaryFrame()
}

// canDrive reports whether targets in frame can be commanded.
func (c *Controller) canDrive(frame Frame) bool {
	switch frame {
	case FrameEquatorial:
		return c.caps.Equatorial || c.caps.Horizontal && c.cfg.Location != nil
	case FrameHorizontal:
		return c.caps.Horizontal || c.caps.Equatorial && c.cfg.Location != nil
	case FrameLinear:
		return c.caps.Linear
	}
	return false
}

// canRead reports whether positions in frame can be read back.
func (c *Controller) canRead(frame Frame) bool {
	return frame != FrameLinear && c.canDrive(frame)
}

func (c *Controller) checkDrive(frame Frame) error {
	if !c.canDrive(frame) {
		if frame == FrameNone {
			return device.ErrUnsupported
		}
		return fmt.Errorf("%w: %s targets", device.ErrUnsupported, frame)
	}
	return nil
}

func (c *Controller) readEquatorial(ctx context.Context, h *device.Handle) (transform.Equatorial, error) {
	if h.Equatorial != nil {
		return h.Equatorial.Coordinates(ctx)
	}
	hor, err := h.Horizontal.AltAz(ctx)
	if err != nil {
		return transform.Equatorial{}, err
	}
	return c.toEquatorial(hor)
}

func (c *Controller) readHorizontal(ctx context.Context, h *device.Handle) (transform.Horizontal, error) {
	if h.Horizontal != nil {
		return h.Horizontal.AltAz(ctx)
	}
	eq, err := h.Equatorial.Coordinates(ctx)
	if err != nil {
		return transform.Horizontal{}, err
	}
	return c.toHorizontal(eq)
}

func (c *Controller) toHorizontal(eq transform.Equatorial) (transform.Horizontal, error) {
	if c.cfg.Location == nil {
		return transform.Horizontal{}, fmt.Errorf("%w: no site location", device.ErrUnsupported)
	}
	return c.transformer.ToHorizontal(eq, *c.cfg.Location, c.now()), nil
}

func (c *Controller) toEquatorial(hor transform.Horizontal) (transform.Equatorial, error) {
	if c.cfg.Location == nil {
		return transform.Equatorial{}, fmt.Errorf("%w: no site location", device.ErrUnsupported)
	}
	return c.transformer.ToEquatorial(hor, *c.cfg.Location, c.now()), nil
}
