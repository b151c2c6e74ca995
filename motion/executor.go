package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/w1xm/mount_interface/internal/logging"
)

const tracerName = "github.com/w1xm/mount_interface/motion"

// Operation describes one finished executor call.
type Operation struct {
	ID       string        `json:"id" cbor:"id"`
	Device   string        `json:"device" cbor:"device"`
	Name     string        `json:"name" cbor:"name"`
	Start    time.Time     `json:"start" cbor:"start"`
	Duration time.Duration `json:"duration" cbor:"duration"`
	Code     Code          `json:"code" cbor:"code"`
	Error    string        `json:"error,omitempty" cbor:"error,omitempty"`
}

// OperationHandler is invoked after every executor call.
type OperationHandler func(op Operation)

// Executor runs at most one motion operation per device. Each call gets its
// own abort signal and deadline.
type Executor struct {
	device  string
	timeout time.Duration
	log     *logging.Logger
	tracer  trace.Tracer

	// lock is held for the duration of an operation.
	lock sync.Mutex

	mu       sync.Mutex
	abort    context.CancelCauseFunc
	handlers []OperationHandler
	// pending driver calls keep lock held after their operation returned.
	pending []<-chan struct{}
	wg      sync.WaitGroup
}

func NewExecutor(device string, timeout time.Duration, log *logging.Logger) *Executor {
	if log == nil {
		log = logging.Discard()
	}
	return &Executor{
		device:  device,
		timeout: timeout,
		log:     log.With("component", "executor"),
		tracer:  otel.Tracer(tracerName),
	}
}

// AddHandler registers handlers called after each operation.
func (e *Executor) AddHandler(handlers ...OperationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handlers...)
}

// Run executes fn holding the device lock. It returns ErrBusy immediately if
// another operation is running. fn's context is cancelled with ErrAborted by
// Abort or caller cancellation and with ErrTimeout at the deadline.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !e.lock.TryLock() {
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}
	defer e.release()
	return e.run(ctx, op, fn)
}

// Go is like Run but executes fn in a new goroutine. The lock is taken before
// Go returns. done, if not nil, receives the result.
func (e *Executor) Go(ctx context.Context, op string, fn func(ctx context.Context) error, done func(error)) error {
	if !e.lock.TryLock() {
		return fmt.Errorf("%s: %w", op, ErrBusy)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		err := e.run(ctx, op, fn)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// TryDo runs fn holding the device lock without an abort signal or
// bookkeeping. It reports false without running fn if the lock is held.
func (e *Executor) TryDo(fn func() error) (bool, error) {
	if !e.lock.TryLock() {
		return false, nil
	}
	defer e.release()
	return true, fn()
}

// Linger keeps the device lock held after the running operation returns,
// until done is closed. It is used when a driver call that ignores its
// context outlives an aborted operation: the caller is answered at once but
// new operations stay busy until the hardware call is over.
func (e *Executor) Linger(done <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, done)
}

// release unlocks the device, or hands the unlock to a goroutine waiting
// for lingering driver calls.
func (e *Executor) release() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(pending) == 0 {
		e.lock.Unlock()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.lock.Unlock()
		for _, done := range pending {
			<-done
		}
	}()
}

// Exclusive waits until no operation or lingering driver call holds the
// device and runs fn with the lock held.
func (e *Executor) Exclusive(ctx context.Context, fn func() error) error {
	for !e.lock.TryLock() {
		if err := Sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
	}
	defer e.lock.Unlock()
	return fn()
}

// Abort cancels the running operation, if any. Safe to call from any goroutine.
func (e *Executor) Abort() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abort == nil {
		return false
	}
	e.abort(ErrAborted)
	return true
}

// Wait blocks until operations started with Go, and lingering driver
// calls, have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(parent context.Context, op string, fn func(ctx context.Context) error) error {
	id := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if e.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, e.timeout, ErrTimeout)
		defer cancelTimeout()
	}

	e.mu.Lock()
	e.abort = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.abort = nil
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "motion."+op, trace.WithAttributes(
		attribute.String("device", e.device),
		attribute.String("op_id", id),
	))
	defer span.End()

	log := e.log.With("op", op, "op_id", id)
	log.Debug("operation started")

	err := outcome(ctx, op, fn(ctx))
	code := CodeOf(err)

	span.SetAttributes(attribute.String("outcome", string(code)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		log.Warn("operation failed", "outcome", code, "error", err, "elapsed", time.Since(start))
	} else {
		log.Info("operation finished", "outcome", code, "elapsed", time.Since(start))
	}

	record := Operation{
		ID:       id,
		Device:   e.device,
		Name:     op,
		Start:    start,
		Duration: time.Since(start),
		Code:     code,
	}
	if err != nil {
		record.Error = err.Error()
	}
	e.mu.Lock()
	handlers := e.handlers
	e.mu.Unlock()
	for _, h := range handlers {
		h(record)
	}
	return err
}

// outcome classifies a failure caused by the operation's context ending.
func outcome(ctx context.Context, op string, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, ErrTimeout) {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	default:
		return fmt.Errorf("%s: %w", op, ErrAborted)
	}
}

// WaitFor polls done every interval until it reports true. It returns the
// cancellation cause of ctx if ctx ends first.
func WaitFor(ctx context.Context, interval time.Duration, done func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
		ok, err := done(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
