package gatt

import "time"

// Scheduler defers work to a future time. Any wait in the state
// machine (settling delays, retry backoff, supervisor period) is a
// deferred work item, never an in-callback sleep. The production
// scheduler wraps time.AfterFunc; tests substitute a manual one and
// fire entries deterministically.
type Scheduler interface {
	// After runs fn once d has elapsed and returns a cancel func.
	// Cancelling after the fn has run is a no-op.
	After(d time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

// NewScheduler returns the production Scheduler backed by the runtime
// timer wheel.
func NewScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
