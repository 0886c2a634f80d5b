// Package audit defines the audit sink the wheel writes one event to per
// phase transition, and the sinks shipped with it.
//
// A Service either returns nil (the event is recorded) or an error (the
// wheel records W-006). Implementations must be safe for concurrent use.
package audit

import (
	"context"
	"errors"
	"time"
)

// Source tags identify which step of the lifecycle emitted an event.
type Source string

const (
	SourceGate    Source = "wheel.gate"
	SourceAttest  Source = "wheel.attest"
	SourceExecute Source = "wheel.execute"
	SourceSeal    Source = "wheel.seal"
	SourceKill    Source = "wheel.kill"
)

// ErrSinkClosed is returned by sinks written to after Close.
var ErrSinkClosed = errors.New("audit: sink closed")

// Event is a structured audit record for one transition.
type Event struct {
	SpokeID   string    `json:"spoke_id"`
	Phase     string    `json:"phase"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Source    Source    `json:"source"`
	Code      string    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ChainHash string    `json:"chain_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Service records audit events.
type Service interface {
	Write(ctx context.Context, event Event) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, event Event) error

func (f ServiceFunc) Write(ctx context.Context, event Event) error { return f(ctx, event) }

// Fanout writes every event to each of its sinks in order. All sinks are
// attempted; their errors are joined.
type Fanout []Service

func (f Fanout) Write(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
