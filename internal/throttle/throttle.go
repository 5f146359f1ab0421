// Package throttle provides a keyed fixed-window limiter: at most N
// requests per key are admitted per window, shared by every consumer
// in the process. Excess requests are deferred to the next window,
// never dropped.
package throttle

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// Keyed caps admissions per key to limit per window. The window is
// anchored at the first request after expiry, so no window ever sees
// more than limit admissions for a key. Zero keys cost nothing until
// first seen; idle entries are cleaned up in the background.
type Keyed struct {
	mu           sync.Mutex
	entries      map[string]*entry
	stopCleanup  chan struct{}
	shutdownOnce sync.Once

	limit           int
	window          time.Duration
	cleanupInterval time.Duration
}

// Config holds throttle configuration
type Config struct {
	Limit           int
	Window          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults: 10 per minute per key.
func DefaultConfig() Config {
	return Config{
		Limit:           10,
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewKeyed creates a keyed limiter
func NewKeyed(config Config) *Keyed {
	if config.Limit <= 0 || config.Window <= 0 {
		config = DefaultConfig()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	k := &Keyed{
		entries:         make(map[string]*entry),
		stopCleanup:     make(chan struct{}),
		limit:           config.Limit,
		window:          config.Window,
		cleanupInterval: config.CleanupInterval,
	}
	go k.startCleanup()
	return k
}

// reserve claims one admission slot for key if the current window has
// room, returning 0. Otherwise it returns how long until that window
// ends, claiming nothing.
func (k *Keyed) reserve(key string, now time.Time) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		k.entries[key] = e
	}
	e.lastSeen = now

	windowEnd := e.windowStart.Add(k.window)
	if !now.Before(windowEnd) {
		e.windowStart = now
		e.count = 0
		windowEnd = now.Add(k.window)
	}

	if e.count < k.limit {
		e.count++
		return 0
	}
	return windowEnd.Sub(now)
}

// Wait blocks until the key's current window has a free slot or ctx is
// done. Deferral, not rejection: callers past the cap sleep until the
// window rolls and contend for the next one.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	for {
		wait := k.reserve(key, time.Now())
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow reports whether the key's current window has a free slot,
// consuming one if so.
func (k *Keyed) Allow(key string) bool {
	return k.reserve(key, time.Now()) == 0
}

// ActiveKeys returns the number of currently tracked keys
func (k *Keyed) ActiveKeys() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Stop gracefully shuts down the cleanup goroutine
func (k *Keyed) Stop() {
	k.shutdownOnce.Do(func() {
		close(k.stopCleanup)
	})
}

func (k *Keyed) startCleanup() {
	ticker := time.NewTicker(k.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.cleanupStaleEntries()
		case <-k.stopCleanup:
			return
		}
	}
}

// cleanupStaleEntries drops keys idle for more than two windows; a
// re-seen key just gets a fresh window.
func (k *Keyed) cleanupStaleEntries() {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := time.Now().Add(-2 * k.window)
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}
