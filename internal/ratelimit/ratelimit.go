// Package ratelimit provides a process-global minimum-interval gate keyed
// by source name or host. Every outbound HTTP request acquires the gate
// before issuing; there is no queue and no token bucket, strictly a minimum
// interval between releases per key.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// entry guards one key. The per-key mutex serializes waiters on that key
// without blocking other keys.
type entry struct {
	mu          sync.Mutex
	lastRelease time.Time
}

// Limiter is the per-key gate. Zero value is not usable; call New.
type Limiter struct {
	mu      sync.Mutex // guards keys map creation only
	keys    map[string]*entry
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		keys:    make(map[string]*entry),
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

// Wait blocks until at least minInterval has passed since the previous
// release for key, then records a new release. It returns the duration
// actually slept. Ordering among concurrent waiters on one key is not
// guaranteed. A canceled context returns ctx.Err with zero sleep recorded.
func (l *Limiter) Wait(ctx context.Context, key string, minInterval time.Duration) (time.Duration, error) {
	e := l.forKey(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.nowFunc()
	wakeAt := e.lastRelease.Add(minInterval)
	var slept time.Duration
	if wakeAt.After(now) {
		slept = wakeAt.Sub(now)
		if err := l.sleep(ctx, slept); err != nil {
			return 0, err
		}
	}
	e.lastRelease = l.nowFunc()
	return slept, nil
}

func (l *Limiter) forKey(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{}
		l.keys[key] = e
	}
	return e
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
