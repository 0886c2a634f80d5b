package abort

import (
	"context"
	"errors"
	"sync"
)

// Composite is the signal returned by Any.
type Composite struct {
	*Controller

	mu     sync.Mutex
	unsubs []func()
}

// Any returns a signal that fires as soon as any of signals fires, with
// that member's reason. Nil members are ignored. If members have already
// fired, the composite fires before Any returns with the reason that
// fired first, so member order never matters.
func Any(signals ...Signal) *Composite {
	members := make([]Signal, 0, len(signals))
	for _, s := range signals {
		if s != nil {
			members = append(members, s)
		}
	}

	c := &Composite{Controller: NewController()}

	var first *Reason
	for _, s := range members {
		if r := s.Reason(); r != nil && (first == nil || r.seq < first.seq) {
			first = r
		}
	}
	if first != nil {
		c.Abort(first)
		return c
	}

	unsubs := make([]func(), 0, len(members))
	for _, s := range members {
		unsubs = append(unsubs, s.Subscribe(func(r *Reason) {
			c.Abort(r)
		}))
	}
	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()
	c.Subscribe(func(*Reason) { c.Stop() })
	return c
}

// Stop detaches the composite from its members without firing it. Long
// lived member signals otherwise keep a subscription per composite.
func (c *Composite) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// ContextSignal is the signal returned by FromContext.
type ContextSignal struct {
	*Controller
	stop func() bool
}

// FromContext returns a signal that fires with CodeExternal when ctx is
// done. The context's cause is kept as the reason's Cause.
func FromContext(ctx context.Context) *ContextSignal {
	c := &ContextSignal{Controller: NewController()}
	if ctx.Done() == nil {
		return c
	}
	if ctx.Err() != nil {
		c.Abort(contextReason(ctx))
		return c
	}
	c.stop = context.AfterFunc(ctx, func() {
		c.Abort(contextReason(ctx))
	})
	return c
}

// Stop releases the context registration. It does not fire the signal.
func (c *ContextSignal) Stop() {
	if c.stop != nil {
		c.stop()
	}
}

func contextReason(ctx context.Context) *Reason {
	cause := context.Cause(ctx)
	var r *Reason
	if errors.As(cause, &r) {
		return r
	}
	return &Reason{
		Code:    CodeExternal,
		Message: "request context done: " + cause.Error(),
		Cause:   cause,
	}
}

// Context returns a child of parent that is cancelled with the signal's
// reason as its cause when sig fires. The returned cancel func must be
// called to release the subscription.
func Context(parent context.Context, sig Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	unsubscribe := sig.Subscribe(func(r *Reason) { cancel(r) })
	return ctx, func() {
		unsubscribe()
		cancel(context.Canceled)
	}
}
