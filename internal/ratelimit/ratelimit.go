package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire once the limiter has been closed.
var ErrClosed = errors.New("rate limiter closed")

// Limiter bounds how many calls may start within a rolling time window.
// Admission is paced evenly at window/limit between call starts, so no
// trailing window ever observes more than limit starts and no caller
// starves: every Acquire is assigned a definite start slot when it is
// called. There is no release; a slot is spent by starting the call.
type Limiter struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Limiter allowing callsPerWindow call starts per rolling window.
func New(callsPerWindow int, window time.Duration) *Limiter {
	if callsPerWindow < 1 {
		callsPerWindow = 1
	}

	return &Limiter{
		interval: window / time.Duration(callsPerWindow),
		closed:   make(chan struct{}),
	}
}

// Acquire blocks until the caller may start its call. It returns the
// context error if ctx is cancelled first, or ErrClosed if the limiter
// shuts down while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()

	now := time.Now()

	start := l.next
	if start.Before(now) {
		start = now
	}

	l.next = start.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(start)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.release(start)

		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}

// release hands an unused reservation back so later callers are not
// delayed by a call that never started. Only the most recent reservation
// can be rolled back; anything else stays as an admission gap, which
// under-uses the window but never overruns it.
func (l *Limiter) release(start time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.next.Equal(start.Add(l.interval)) {
		l.next = start
	}
}

// Close releases every blocked Acquire with ErrClosed. Safe to call more
// than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
}
