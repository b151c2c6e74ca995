// Package easycomm drives an EasyComm III Alt/Az rotator over TCP.
//
// Protocol docs at https://github.com/Hamlib/Hamlib/blob/master/rotators/easycomm/easycomm.txt
package easycomm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mount_interface/device"
	"github.com/w1xm/mount_interface/easycomm/internal/status"
	"github.com/w1xm/mount_interface/internal/logging"
	"github.com/w1xm/mount_interface/transform"
)

var _ device.HorizontalDriver = (*Rotator)(nil)

type Status = status.Status

type StatusCallback func(status Status)

// DialFunc opens the rotator connection.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Options configure a Rotator.
type Options struct {
	// PollInterval is how often the full status is queried. Defaults to 1s.
	PollInterval time.Duration
	// RetryInterval is the pause before redialling a dropped connection.
	// Defaults to 1s.
	RetryInterval time.Duration
	// Tolerance is the pointing error in degrees below which a commanded
	// move is considered complete. Defaults to 0.1.
	Tolerance float64
	// OnStatus, if set, is called whenever the parsed status changes.
	OnStatus StatusCallback
}

// Rotator implements support for an EasyComm III rotator
type Rotator struct {
	dial DialFunc
	opts Options
	log  *logging.Logger

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	status Status
	// target is the last commanded position until it is reached or aborted.
	target *transform.Horizontal
	// fresh is closed when the first status arrives on a connection.
	fresh  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// DialTCP returns a DialFunc connecting to addr.
func DialTCP(addr string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := &net.Dialer{
			Timeout: time.Second,
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func New(dial DialFunc, opts Options, log *logging.Logger) *Rotator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 0.1
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Rotator{dial: dial, opts: opts, log: log.With("driver", "easycomm")}
}

// Status returns the last parsed rotator status.
func (r *Rotator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Rotator) Connected(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil, nil
}

// SetConnected dials the rotator and keeps it connected in the background,
// redialling after a drop, until SetConnected(false).
func (r *Rotator) SetConnected(ctx context.Context, connected bool) error {
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
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing rotator: %w", err)
	}
	r.log.Info("connected")
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	fresh := r.attach(conn)
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()
	go func() {
		defer close(done)
		r.reconnectLoop(loopCtx, conn)
	}()
	// Wait for the first report so Moving and AltAz are meaningful.
	select {
	case <-fresh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Rotator) attach(conn io.ReadWriteCloser) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
	r.fresh = make(chan struct{})
	return r.fresh
}

func (r *Rotator) reconnectLoop(ctx context.Context, conn io.ReadWriteCloser) {
	for {
		if err := r.watch(ctx, conn); err != nil && ctx.Err() == nil {
			r.log.Warn("connection lost", "error", err)
		}
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		for conn = nil; conn == nil; {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.RetryInterval):
			}
			var err error
			if conn, err = r.dial(ctx); err != nil {
				r.log.Warn("redialing", "error", err)
				conn = nil
				continue
			}
			r.log.Info("reconnected")
			r.attach(conn)
		}
	}
}

func (r *Rotator) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		scanner.Split(bufio.ScanWords)
		for scanner.Scan() {
			input := scanner.Text()
			if err := r.parseInput(input); err != nil {
				r.log.Debug("parsing", "input", input, "error", err)
				continue
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	g.Go(func() error {
		for {
			for _, cmd := range pollCommands {
				if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.PollInterval):
			}
		}
	})
	return g.Wait()
}

var pollCommands = []string{
	"AZ",
	"EL",
	"GS",
	"GE",
	"VE",
	"IP0",
	"IP1",
	"IP2",
	"IP5",
	"IP6",
	"IP7",
	"IP8",
	"CR10",
	"CR11",
	"CR12",
	"CR13",
}

var registerRE = regexp.MustCompile(`^(IP|CR)(\d+),(.+)$`)

func (r *Rotator) parseInput(input string) error {
	if len(input) < 2 {
		return errors.New("truncated output")
	}
	r.mu.Lock()
	old := r.status
	fresh := r.fresh
	err := r.parseLocked(input)
	cur := r.status
	if err == nil && fresh != nil {
		close(fresh)
		r.fresh = nil
	}
	r.mu.Unlock()
	if err == nil && cur != old && r.opts.OnStatus != nil {
		r.opts.OnStatus(cur)
	}
	return err
}

func (r *Rotator) parseLocked(input string) error {
	if m := registerRE.FindStringSubmatch(input); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return err
		}
		return r.status.SetRegisters(m[1], n, m[3])
	}
	switch input[:2] {
	case "AZ": // AZxxx.x
		return status.ParseFloat(&r.status.AzPos, input[2:])
	case "EL": // ELxxx.x
		return status.ParseFloat(&r.status.ElPos, input[2:])
	case "GS":
		v, err := strconv.ParseUint(input[2:], 10, 64)
		if err != nil {
			return err
		}
		r.status.SetStatusRegister(v)
	case "GE":
		v, err := strconv.ParseUint(input[2:], 10, 64)
		if err != nil {
			return err
		}
		r.status.SetErrorRegister(v)
	case "VE":
		r.status.Version = input[2:]
	default:
		return errors.New("unknown rotator output")
	}
	return nil
}

func (r *Rotator) send(cmd string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return device.ErrNotConnected
	}
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return err
	}
	return nil
}

// Moving reports true until a commanded position is reached and both axes
// have come to rest.
func (r *Rotator) Moving(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return false, device.ErrNotConnected
	}
	if r.status.AzVel != 0 || r.status.ElVel != 0 {
		return true, nil
	}
	if t := r.target; t != nil {
		if math.Abs(math.Remainder(r.status.AzPos-t.Az, 360)) > r.opts.Tolerance ||
			math.Abs(r.status.ElPos-t.Alt) > r.opts.Tolerance {
			return true, nil
		}
		r.target = nil
	}
	return false, nil
}

func (r *Rotator) AbortMotion(ctx context.Context) error {
	r.mu.Lock()
	r.target = nil
	r.mu.Unlock()
	return r.send("SA SE")
}

func (r *Rotator) SlewToAltAz(ctx context.Context, target transform.Horizontal) error {
	az := transform.Wrap360(target.Az)
	if err := r.send(fmt.Sprintf("AZ%03.1f EL%03.1f", az, target.Alt)); err != nil {
		return err
	}
	r.mu.Lock()
	r.target = &transform.Horizontal{Alt: target.Alt, Az: az}
	r.mu.Unlock()
	return nil
}

func (r *Rotator) AltAz(ctx context.Context) (transform.Horizontal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return transform.Horizontal{}, device.ErrNotConnected
	}
	return transform.Horizontal{Alt: r.status.ElPos, Az: r.status.AzPos}, nil
}
