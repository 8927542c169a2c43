// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const windowSize = time.Minute

// Limiter caps outbound sends across all running campaigns to max per
// rolling 60-second window. One instance is shared by every dispatcher;
// it is injected, not a package global.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window []time.Time

	// Now and Sleep are swappable so tests can run without wall time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(maxPerMinute int) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &Limiter{
		max:   maxPerMinute,
		Now:   time.Now,
		Sleep: sleepCtx,
	}
}

// Acquire blocks until a send slot is available, then records the send
// timestamp. When the window is full it waits out the oldest entry and
// clears the window, treating the gap as a fresh period. Callers must do
// the actual network send after returning; the lock is only held for
// bookkeeping and the rate wait itself.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()

	// Evict timestamps older than the window.
	cutoff := now.Add(-windowSize)
	for len(l.window) > 0 && l.window[0].Before(cutoff) {
		l.window = l.window[1:]
	}

	if len(l.window) >= l.max {
		wait := windowSize - now.Sub(l.window[0])
		if wait > 0 {
			if err := l.Sleep(ctx, wait); err != nil {
				return err
			}
			l.window = l.window[:0]
		}
	}

	l.window = append(l.window, l.Now())
	return nil
}

// Pending returns the number of sends currently inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.Now().Add(-windowSize)
	n := 0
	for _, ts := range l.window {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
