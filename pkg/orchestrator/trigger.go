package orchestrator

import "context"

// Trigger is a set-and-wake event: setters coalesce into one pending wake,
// the worker clears it by waking, runs, sleeps its throttle and rechecks.
// The three background loops communicate with the cycle worker only through
// the store and this trigger.
type Trigger struct {
	ch chan struct{}
}

func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Set requests a wake. Multiple sets before the worker wakes collapse.
func (t *Trigger) Set() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the trigger is set or the context ends, reporting which.
func (t *Trigger) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-t.ch:
		return true
	}
}

// C exposes the wake channel for select loops.
func (t *Trigger) C() <-chan struct{} { return t.ch }
