// Package lock serialises work on one symbol across the auction worker and
// the reconciler.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be taken within the wait.
var ErrTimeout = errors.New("symbol lock: wait timed out")

// SymbolLocks hands out one exclusive lock per symbol. Each lock is a
// one-slot channel so acquisition can be bounded by a timer and a context.
type SymbolLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{slots: make(map[string]chan struct{})}
}

func (l *SymbolLocks) slot(symbol string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[symbol]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[symbol] = ch
	}
	return ch
}

// Acquire takes the lock for symbol, waiting at most wait. The returned
// release func is safe to call more than once.
func (l *SymbolLocks) Acquire(ctx context.Context, symbol string, wait time.Duration) (func(), error) {
	ch := l.slot(symbol)

	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	default:
	}
	if wait <= 0 {
		return nil, ErrTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Held reports whether symbol is currently locked.
func (l *SymbolLocks) Held(symbol string) bool {
	return len(l.slot(symbol)) == 1
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
