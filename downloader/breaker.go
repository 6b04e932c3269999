package downloader

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker. After threshold failures
// in a row it rejects requests until the reset window has elapsed, then lets
// traffic probe the API again.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration
	failures  int
	openedAt  time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, reset time.Duration) *Breaker {
	return &Breaker{threshold: threshold, reset: reset, now: time.Now}
}

// Allow reports whether a request may proceed. An open breaker closes again
// once the reset window has passed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.reset {
		b.failures = 0
		return true
	}
	return false
}

// Success closes the breaker and clears the failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure records one failed request; the streak reaching the threshold
// opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = b.now()
	}
	b.mu.Unlock()
}
