package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultKeyInterval is the minimum spacing between requests for one key.
	DefaultKeyInterval = 5 * time.Second
	// DefaultGlobalInterval is the minimum spacing between any two requests.
	DefaultGlobalInterval = time.Second

	staleAfter = time.Hour
)

// Limiter gates outbound tracking requests per key and globally. All state
// sits behind one mutex; request volume is low enough that per-key locks buy
// nothing.
type Limiter struct {
	mu             sync.Mutex
	keyInterval    time.Duration
	globalInterval time.Duration
	last           map[string]time.Time
	globalLast     time.Time
	now            func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter builds a limiter. Non-positive intervals fall back to the defaults.
func NewLimiter(keyInterval, globalInterval time.Duration, opts ...Option) *Limiter {
	if keyInterval <= 0 {
		keyInterval = DefaultKeyInterval
	}
	if globalInterval <= 0 {
		globalInterval = DefaultGlobalInterval
	}
	l := &Limiter{
		keyInterval:    keyInterval,
		globalInterval: globalInterval,
		last:           make(map[string]time.Time),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanRequest reports whether a request for key is permitted right now. It does
// not record anything.
func (l *Limiter) CanRequest(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.purgeLocked(now)
	return l.waitLocked(key, now) == 0
}

// RecordRequest stamps key and the global window. Call it exactly once per
// request actually sent.
func (l *Limiter) RecordRequest(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.last[key] = now
	l.globalLast = now
}

// WaitTime returns how long a caller must wait before key is permitted.
func (l *Limiter) WaitTime(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(key, l.now())
}

// Reserve checks every key against the current windows and records the
// admitted ones, all under one lock. Keys in the same call are judged against
// the state before the call, so a batch does not throttle itself. The
// returned slice holds the wait for each key; zero means admitted.
func (l *Limiter) Reserve(keys []string) []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.purgeLocked(now)

	waits := make([]time.Duration, len(keys))
	admitted := false
	for i, key := range keys {
		waits[i] = l.waitLocked(key, now)
		admitted = admitted || waits[i] == 0
	}
	if !admitted {
		return waits
	}
	for i, key := range keys {
		if waits[i] == 0 {
			l.last[key] = now
		}
	}
	l.globalLast = now
	return waits
}

// Len reports how many keys are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

func (l *Limiter) waitLocked(key string, now time.Time) time.Duration {
	var wait time.Duration
	if last, ok := l.last[key]; ok {
		if remaining := l.keyInterval - now.Sub(last); remaining > wait {
			wait = remaining
		}
	}
	if !l.globalLast.IsZero() {
		if remaining := l.globalInterval - now.Sub(l.globalLast); remaining > wait {
			wait = remaining
		}
	}
	return wait
}

func (l *Limiter) purgeLocked(now time.Time) {
	for key, at := range l.last {
		if now.Sub(at) > staleAfter {
			delete(l.last, key)
		}
	}
}
