// Package abort provides composable cancellation signals.
//
// A Signal fires at most once and keeps the first reason it was given.
// Signals compose with Any: the composite fires the instant any member
// fires and carries that member's reason verbatim. Timeout and
// FromContext build signals from a deadline or a context.
package abort

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Codes carried by the signals this package constructs.
const (
	CodeDeadline = "W-004"
	CodeExternal = "W-007"
)

// ErrAborted is matched by every *Reason via errors.Is.
var ErrAborted = errors.New("aborted")

// Reason describes why a signal fired.
type Reason struct {
	Code    string
	Message string
	Cause   error

	seq uint64
}

// NewReason returns a reason with the given code and message.
func NewReason(code, message string) *Reason {
	return &Reason{Code: code, Message: message}
}

func (r *Reason) Error() string {
	switch {
	case r.Code != "" && r.Message != "":
		return r.Code + ": " + r.Message
	case r.Message != "":
		return r.Message
	case r.Code != "":
		return r.Code
	}
	return ErrAborted.Error()
}

// Is reports ErrAborted so callers can test any reason generically.
func (r *Reason) Is(target error) bool { return target == ErrAborted }

func (r *Reason) Unwrap() error { return r.Cause }

// Signal is a one-shot cancellation source.
type Signal interface {
	// Fired reports whether the signal has fired.
	Fired() bool
	// Reason returns the reason the signal fired with, or nil.
	Reason() *Reason
	// Done is closed when the signal fires.
	Done() <-chan struct{}
	// Subscribe registers fn to run once when the signal fires. If the
	// signal has already fired, fn runs synchronously before Subscribe
	// returns. The returned func removes the subscription.
	Subscribe(fn func(*Reason)) (unsubscribe func())
}

// fireSeq orders firings across every signal in the process so that
// composition can pick the chronologically first reason.
var fireSeq atomic.Uint64

// Controller is a Signal fired manually with Abort.
type Controller struct {
	mu     sync.Mutex
	reason *Reason
	done   chan struct{}
	subs   map[uint64]func(*Reason)
	nextID uint64
}

var _ Signal = (*Controller)(nil)

// NewController returns an unfired controller.
func NewController() *Controller {
	return &Controller{
		done: make(chan struct{}),
		subs: make(map[uint64]func(*Reason)),
	}
}

// Abort fires the controller with reason. It returns false if the
// controller had already fired; the earlier reason is kept.
func (c *Controller) Abort(reason *Reason) bool {
	if reason == nil {
		reason = &Reason{}
	}

	c.mu.Lock()
	if c.reason != nil {
		c.mu.Unlock()
		return false
	}
	r := *reason
	if r.seq == 0 {
		r.seq = fireSeq.Add(1)
	}
	c.reason = &r
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(c.reason)
	}
	return true
}

func (c *Controller) Fired() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Controller) Reason() *Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Subscribe(fn func(*Reason)) func() {
	c.mu.Lock()
	if c.reason != nil {
		r := c.reason
		c.mu.Unlock()
		fn(r)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// TimeoutSignal fires with CodeDeadline once its duration elapses.
type TimeoutSignal struct {
	*Controller
	timer *time.Timer
}

// Timeout returns a signal that fires after d. A non-positive d fires
// before Timeout returns.
func Timeout(d time.Duration) *TimeoutSignal {
	t := &TimeoutSignal{Controller: NewController()}
	reason := NewReason(CodeDeadline, fmt.Sprintf("deadline of %s elapsed", d))
	if d <= 0 {
		t.Abort(reason)
		return t
	}
	t.timer = time.AfterFunc(d, func() { t.Abort(reason) })
	return t
}

// Stop releases the timer. It does not fire the signal.
func (t *TimeoutSignal) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
