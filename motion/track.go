package motion

import (
	"context"
	"sync"
	"time"
)

// tracker runs a periodic step in the background until stopped or until the
// step reports false.
type tracker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *tracker) start(ctx context.Context, interval time.Duration, step func(ctx context.Context) bool) {
	t.stop()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !step(ctx) {
				return
			}
		}
	}()
}

// stop cancels the loop and waits for it to exit.
func (t *tracker) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *tracker) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
