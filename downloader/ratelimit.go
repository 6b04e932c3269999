package downloader

import (
	"sync"
	"time"
)

const (
	// Fraction of the minute weight budget where requests start slowing down.
	weightSoftFraction = 0.6
	// Requests stop entirely this far below the hard minute budget.
	weightHardHeadroom = 50

	maxSoftDelay = 3 * time.Second
)

// WeightTracker follows the server-reported request weight budget. Binance
// returns the consumed weight of the current minute in the
// x-mbx-used-weight-1m header; the tracker turns that into pacing decisions
// so the downloader never runs into a ban.
type WeightTracker struct {
	mu         sync.Mutex
	limit      int64
	used       int64
	retryUntil time.Time
	now        func() time.Time
}

func NewWeightTracker(limit int64) *WeightTracker {
	return &WeightTracker{limit: limit, now: time.Now}
}

// Observe records the used weight reported by the latest response.
func (w *WeightTracker) Observe(used int64) {
	w.mu.Lock()
	w.used = used
	w.mu.Unlock()
}

// Penalize blocks all requests for the server-mandated cool-off after a 429.
func (w *WeightTracker) Penalize(retryAfter time.Duration) {
	w.mu.Lock()
	until := w.now().Add(retryAfter)
	if until.After(w.retryUntil) {
		w.retryUntil = until
	}
	w.mu.Unlock()
}

// Delay returns how long the caller must wait before the next request: the
// remaining penalty after a 429, the rest of the current minute when the
// budget is nearly spent, or a graduated pause once usage crosses the soft
// threshold.
func (w *WeightTracker) Delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Before(w.retryUntil) {
		return w.retryUntil.Sub(now)
	}

	hard := w.limit - weightHardHeadroom
	if w.used >= hard {
		// The budget resets on the server's minute boundary.
		return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	}

	soft := int64(float64(w.limit) * weightSoftFraction)
	if w.used >= soft {
		fraction := float64(w.used-soft) / float64(hard-soft)
		return time.Duration(fraction * float64(maxSoftDelay))
	}
	return 0
}
