package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps per-key timestamps in process memory. Suitable for a
// single instance and for tests.
type MemoryLimiter struct {
	mu    sync.Mutex
	cfg   Config
	calls map[string][]time.Time
	now   func() time.Time

	lastSweep time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:   cfg.normalized(),
		calls: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.Window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	timestamps := l.calls[key]
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.cfg.Limit {
		l.calls[key] = kept
		return Decision{RetryAfter: kept[0].Add(l.cfg.Window).Sub(now)}, nil
	}

	kept = append(kept, now)
	l.calls[key] = kept
	return Decision{Allowed: true, Remaining: l.cfg.Limit - len(kept)}, nil
}

// sweep drops keys with no call inside the window. Callers that never return
// (one-off IPs on public routes) would otherwise stay in the map forever.
func (l *MemoryLimiter) sweep(cutoff time.Time) {
	for key, timestamps := range l.calls {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.calls, key)
		}
	}
}
