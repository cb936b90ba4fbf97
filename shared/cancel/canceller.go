// Package cancel provides a small one-shot cancellation primitive for
// interrupting a blocking wait without threading a context.Context all
// the way through. No other package in this module imports it.
package cancel

import "context"

// Canceller wraps a context.Context/CancelFunc pair so callers can Cancel()
// without holding on to the CancelFunc themselves.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Canceller in the not-yet-cancelled state.
func New() *Canceller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Cancel marks the Canceller cancelled. Safe to call more than once.
func (c *Canceller) Cancel() {
	c.cancel()
}

// Done returns a channel closed once Cancel has been called.
func (c *Canceller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns nil until Cancel is called, after which it returns
// context.Canceled.
func (c *Canceller) Err() error {
	return c.ctx.Err()
}
