// Package ratelimit provides per-key sliding-window rate limiting for
// the HTTP gateway.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a sliding-window limiter.
type Config struct {
	// Limit is the number of requests allowed per window.
	Limit int `yaml:"limit"`
	// Window is the sliding window length.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{Limit: 60, Window: time.Minute}
}

// SlidingWindow tracks request timestamps per key (remote address) and
// admits a request iff fewer than Limit requests fell inside the
// trailing window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a limiter. Non-positive values take the
// defaults.
func NewSlidingWindow(config Config) *SlidingWindow {
	def := DefaultConfig()
	if config.Limit <= 0 {
		config.Limit = def.Limit
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return &SlidingWindow{
		limit:  config.Limit,
		window: config.Window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records and admits a request for key, or rejects it when the
// window is full.
func (l *SlidingWindow) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}

	l.hits[key] = append(kept, now)
	return true
}

// Prune drops keys whose entire window has expired, so idle clients do
// not accumulate state.
func (l *SlidingWindow) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, times := range l.hits {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}
