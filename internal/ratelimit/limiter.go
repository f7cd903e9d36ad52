// Package ratelimit provides keyed token-bucket limiters with idle cleanup.
// Keys are client IPs for HTTP and connection handles for inbound frames.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a keyed limiter
type Config struct {
	PerSecond       float64       // Events allowed per second per key
	Burst           int           // Maximum burst size
	CleanupInterval time.Duration // How often to clean up stale limiters
}

// DefaultConfig returns production-safe defaults
func DefaultConfig() Config {
	return Config{
		PerSecond:       10,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
	}
}

// entry tracks per-key rate limiting state
type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// Keyed limits events per key
type Keyed[K comparable] struct {
	limiters sync.Map // map[K]*entry
	config   Config
	stopChan chan struct{}
	stopOnce sync.Once

	// Stats for monitoring
	rejected atomic.Uint64
	allowed  atomic.Uint64
}

// NewKeyed creates a keyed limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewKeyed[K comparable](cfg Config) *Keyed[K] {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rl := &Keyed[K]{
		config:   cfg,
		stopChan: make(chan struct{}),
	}

	// Start cleanup goroutine to prevent memory leak from abandoned keys
	go rl.cleanupLoop()

	return rl
}

// Stop stops the cleanup goroutine
func (rl *Keyed[K]) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *Keyed[K]) getLimiter(key K) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := rl.limiters.Load(key); ok {
		e := v.(*entry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &entry{
		limiter: rate.NewLimiter(rate.Limit(rl.config.PerSecond), rl.config.Burst),
	}
	e.lastSeen.Store(now)

	actual, _ := rl.limiters.LoadOrStore(key, e)
	return actual.(*entry).limiter
}

func (rl *Keyed[K]) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-rl.config.CleanupInterval * 2))
		}
	}
}

// cleanup removes limiters that haven't been used since cutoff
func (rl *Keyed[K]) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if e.lastSeen.Load() < cutoff.UnixNano() {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Allow reports whether an event for key may proceed now
func (rl *Keyed[K]) Allow(key K) bool {
	if rl.getLimiter(key).Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Forget drops the limiter for key, e.g. when a connection closes
func (rl *Keyed[K]) Forget(key K) {
	rl.limiters.Delete(key)
}

// Stats returns allowed/rejected counts
func (rl *Keyed[K]) Stats() (allowed, rejected uint64) {
	return rl.allowed.Load(), rl.rejected.Load()
}
