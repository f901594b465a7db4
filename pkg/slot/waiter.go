package slot

import (
	"context"
	"sync"
)

// waiter exposes a monotonically-increasing uint64 observable and lets
// callers block until it reaches (or passes) a target value. It backs
// flush_pos, commit_pos and any other "await_position"-shaped value in
// spec.md §4.1/§9 ("model as awaitables on monotone counters").
//
// The zero value is not usable; use newWaiter.
type waiter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

func newWaiter() *waiter {
	w := &waiter{}
	w.cond = sync.NewCond(&w.mu)

	return w
}

// get returns the current value.
func (w *waiter) get() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.value
}

// advance sets the value to v if v is greater than the current value, and
// wakes all waiters. Callers must ensure v is monotone for their own pointer
// (the waiter itself does not reject regressions, since LogDevice recovery
// may legitimately need to reset a waiter after a crash).
func (w *waiter) advance(v uint64) {
	w.mu.Lock()
	if v > w.value {
		w.value = v
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

// reset forces the value to v regardless of monotonicity. Used only during
// recovery, when commit_pos may regress to flush_pos (spec.md §4.1).
func (w *waiter) reset(v uint64) {
	w.mu.Lock()
	w.value = v
	w.mu.Unlock()
	w.cond.Broadcast()
}

// await blocks until the value reaches at least target, or ctx is done.
func (w *waiter) await(ctx context.Context, target uint64) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}

	stop := context.AfterFunc(ctx, w.cond.Broadcast)
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	for w.value < target {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		w.cond.Wait()
	}

	return nil
}
