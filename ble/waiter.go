package ble

import (
	"context"
	"sync"
)

// waiter is a single-assignment result slot bridging a platform callback to
// a blocked caller.
type waiter[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{done: make(chan struct{})}
}

// complete resolves the waiter; later calls are ignored
func (w *waiter[T]) complete(v T, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.val, w.err = v, err
		close(w.done)
		resolved = true
	})
	return resolved
}

func (w *waiter[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-w.done:
		return w.val, w.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
