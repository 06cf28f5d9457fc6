package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePacesCallStarts(t *testing.T) {
	const (
		limit  = 4
		window = 200 * time.Millisecond
		calls  = 9
	)

	l := New(limit, window)
	defer l.Close()

	begin := time.Now()

	for i := 0; i < calls; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}

	elapsed := time.Since(begin)
	interval := window / limit

	// 9 call starts paced at window/limit need at least 8 intervals.
	assert.GreaterOrEqual(t, elapsed, time.Duration(calls-1)*interval)
}

func TestAcquireRespectsRollingWindow(t *testing.T) {
	const (
		limit  = 4
		window = 500 * time.Millisecond
		calls  = 10
	)

	l := New(limit, window)
	defer l.Close()

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)

	for i := 0; i < calls; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire failed: %v", err)

				return
			}

			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
		}()
	}

	wg.Wait()

	require.Len(t, starts, calls)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	// Any limit+1 consecutive starts must span the window. The tolerance
	// absorbs scheduling jitter on the recorded timestamps; a limiter that
	// admits bursts lands nowhere near it.
	const tolerance = 50 * time.Millisecond

	for i := 0; i+limit < len(starts); i++ {
		span := starts[i+limit].Sub(starts[i])
		assert.GreaterOrEqual(t, span, window-tolerance,
			"starts %d..%d crowd the rolling window", i, i+limit)
	}
}

func TestAcquireUnblocksOnContextCancel(t *testing.T) {
	l := New(1, time.Hour)
	defer l.Close()

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	err := l.Acquire(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), time.Second, "cancelled acquire should not wait out the window")
}

func TestAcquireReturnsCancelledReservation(t *testing.T) {
	const window = 200 * time.Millisecond

	l := New(1, window)
	defer l.Close()

	begin := time.Now()
	require.NoError(t, l.Acquire(context.Background()))

	// This caller reserves the next slot and then gives up on it.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx))

	// The abandoned slot must be reusable, not burned.
	require.NoError(t, l.Acquire(context.Background()))
	assert.Less(t, time.Since(begin), 2*window)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	l := New(1, time.Hour)

	require.NoError(t, l.Acquire(context.Background()))

	done := make(chan error, 1)

	go func() {
		done <- l.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock on close")
	}

	// Closed limiters reject immediately.
	require.ErrorIs(t, l.Acquire(context.Background()), ErrClosed)
}

func TestNewClampsNonPositiveLimit(t *testing.T) {
	l := New(0, time.Minute)
	defer l.Close()

	require.NoError(t, l.Acquire(context.Background()))
}
