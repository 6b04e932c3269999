// Package alert delivers operator notifications for conditions that need a
// human: authentication failures, reconciliation errors, candle revisions.
package alert

// Notifier sends a message without blocking the caller. Delivery is best
// effort; the streaming pipeline never waits on it.
type Notifier interface {
	Notify(text string)
}

// Noop discards notifications; used when no transport is configured.
type Noop struct{}

func (Noop) Notify(string) {}
