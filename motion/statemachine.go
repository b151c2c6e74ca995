package motion

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StatusHandler is invoked on every status change.
//
// Note: handlers run synchronously while the state machine is locked, in the
// order the transitions happen. They must not call back into the state machine.
type StatusHandler func(device string, prev, next Status)

// StateMachine owns the Status of one device. Status reads are lock-free;
// transitions are serialized and validated against the edge table.
type StateMachine struct {
	device   string
	mu       sync.Mutex
	status   atomic.Value
	handlers []StatusHandler
}

func NewStateMachine(device string, handlers ...StatusHandler) *StateMachine {
	sm := &StateMachine{device: device}
	sm.status.Store(StatusIdle)
	sm.handlers = append(sm.handlers, handlers...)
	return sm
}

// Status returns the current status.
func (sm *StateMachine) Status() Status {
	return sm.status.Load().(Status)
}

// AddHandler registers handlers for subsequent transitions.
func (sm *StateMachine) AddHandler(handlers ...StatusHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handlers...)
}

// Begin moves to a transient status at the start of an operation.
// It returns ErrBusy if another operation's transient status is current and
// ErrInvalidTransition if the edge is not allowed.
func (sm *StateMachine) Begin(to Status) (Status, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cur := sm.Status()
	if cur.Transient() {
		return cur, fmt.Errorf("%w: %s in progress", ErrBusy, cur)
	}
	if !CanTransition(cur, to) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	sm.set(cur, to)
	return cur, nil
}

// Transition moves from -> to. It fails if the current status is not from,
// which happens when a concurrent stop already moved the device on.
func (sm *StateMachine) Transition(from, to Status) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cur := sm.Status()
	if cur != from || !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, cur)
	}
	sm.set(cur, to)
	return nil
}

// Revert returns to IDLE if the current status is one of from. It reports
// whether a transition happened.
func (sm *StateMachine) Revert(from ...Status) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	cur := sm.Status()
	for _, s := range from {
		if cur == s && CanTransition(cur, StatusIdle) {
			sm.set(cur, StatusIdle)
			return true
		}
	}
	return false
}

// Fail moves to ERROR from any other status.
func (sm *StateMachine) Fail() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur := sm.Status(); cur != StatusError {
		sm.set(cur, StatusError)
	}
}

// Sync sets the status to the value reported by the hardware, bypassing the
// edge table. Used when a device is opened.
func (sm *StateMachine) Sync(to Status) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur := sm.Status(); cur != to {
		sm.set(cur, to)
	}
}

func (sm *StateMachine) set(prev, next Status) {
	sm.status.Store(next)
	for _, h := range sm.handlers {
		h(sm.device, prev, next)
	}
}
