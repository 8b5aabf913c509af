package afk

import (
	"sync"
	"time"
)

// Breaker state names, surfaced in logs and warning events.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// breaker is a consecutive-failure circuit breaker over model calls.
// It opens after threshold consecutive failures, stays open for cooldown,
// then admits a single probe. A probe success closes the breaker; a probe
// failure restarts the cooldown. A zero threshold disables it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed right now.
func (b *breaker) Allow() bool {
	if b == nil || b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	// Cooldown elapsed: admit exactly one probe at a time.
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess closes the breaker.
func (b *breaker) RecordSuccess() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
}

// RecordFailure counts a consecutive failure and opens or re-opens the
// breaker once the threshold is reached.
func (b *breaker) RecordFailure() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
	b.mu.Unlock()
}

// State names the current breaker state.
func (b *breaker) State() string {
	if b == nil || b.threshold <= 0 {
		return breakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return breakerClosed
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return breakerOpen
	}
	return breakerHalfOpen
}
