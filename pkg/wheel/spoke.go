package wheel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/murray-ux/wheel/pkg/abort"
	"github.com/murray-ux/wheel/pkg/canonicalize"
	"github.com/murray-ux/wheel/pkg/pdp"
	"github.com/murray-ux/wheel/pkg/receipts"
)

// Executor is the caller's unit of work. ctx is cancelled with the abort
// reason as its cause when the spoke's deadline or signal fires; the
// wheel does not wait for an executor that ignores it.
type Executor func(ctx context.Context) (any, error)

// SpokeSpec describes one request. The wheel never mutates it.
type SpokeSpec struct {
	Principal string
	Action    string
	Resource  string
	Context   map[string]any
	// Tags are passed to the evaluator but are not part of the spoke id.
	Tags []string
	// Deadline bounds the whole spoke. Non-positive deadlines fire at once.
	Deadline time.Duration
	Execute  Executor
	// Signal is an optional external cancellation source.
	Signal abort.Signal
}

// ErrIllegalTransition is returned when a transition is not an edge of
// the lifecycle. The spoke is dead by the time it is returned.
var ErrIllegalTransition = errors.New("wheel: illegal transition")

// errTerminal is returned when a terminal spoke is asked to move.
var errTerminal = errors.New("wheel: spoke is terminal")

// spokeTuple is the identity of a request.
type spokeTuple struct {
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewSpokeID derives the spoke identifier from (principal, action,
// resource, context). Strings are NFC-normalized and the tuple is hashed
// in JCS form, so equal tuples always yield equal ids. A nil and an empty
// context are the same tuple.
func NewSpokeID(principal, action, resource string, ctx map[string]any) (string, error) {
	var norm map[string]any
	if len(ctx) > 0 {
		norm, _ = canonicalize.NormalizeValue(ctx).(map[string]any)
	}
	h, err := canonicalize.CanonicalHash(spokeTuple{
		Principal: canonicalize.NormalizeString(principal),
		Action:    canonicalize.NormalizeString(action),
		Resource:  canonicalize.NormalizeString(resource),
		Context:   norm,
	})
	if err != nil {
		return "", fmt.Errorf("wheel: canonicalize spoke: %w", err)
	}
	return "spk_" + h, nil
}

// fallbackSpokeID identifies a spoke whose context cannot be
// canonicalized. It is still a pure function of the remaining fields.
func fallbackSpokeID(principal, action, resource string) string {
	id, err := NewSpokeID(principal, action, resource, map[string]any{"uncanonical_context": true})
	if err != nil {
		return "spk_uncanonical"
	}
	return id
}

// spoke is the run-record for one Spin call. It is never shared.
type spoke struct {
	id       string
	spec     SpokeSpec
	created  time.Time
	phase    Phase
	decision *pdp.Decision
	chain    receipts.Chain
	output   any
	err      string
	code     string
	codes    []string
	duration *time.Duration
}

func newSpoke(id string, spec SpokeSpec, now time.Time) (*spoke, error) {
	chain, err := receipts.New(id)
	if err != nil {
		return nil, err
	}
	chain, err = chain.Append(Born.String(), "", "", now)
	if err != nil {
		return nil, err
	}
	return &spoke{id: id, spec: spec, created: now, phase: Born, chain: chain}, nil
}

// advance moves the spoke to phase to and appends its receipt. An edge
// outside the lifecycle kills the spoke with CodeIllegalTransition and
// returns ErrIllegalTransition. A terminal spoke is never changed.
func (s *spoke) advance(to Phase, now time.Time) error {
	if s.phase.Terminal() {
		return errTerminal
	}
	next, err := s.stage(to, now)
	if err != nil {
		s.die(CodeIllegalTransition, err.Error(), now)
		return err
	}
	s.commit(to, next)
	return nil
}

// stage returns the chain the spoke would hold after moving to phase to.
// The spoke itself is unchanged.
func (s *spoke) stage(to Phase, now time.Time) (receipts.Chain, error) {
	if s.phase.Terminal() {
		return receipts.Chain{}, errTerminal
	}
	if !CanTransition(s.phase, to) {
		return receipts.Chain{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.phase, to)
	}
	return s.chain.Append(to.String(), "", "", now)
}

func (s *spoke) commit(to Phase, chain receipts.Chain) {
	s.chain = chain
	s.phase = to
}

// die force-sets Dead with a primary code. It bypasses the transition
// table because every non-terminal phase may be killed. A terminal spoke
// is left unchanged.
func (s *spoke) die(code, message string, now time.Time) {
	if s.phase.Terminal() {
		return
	}
	s.phase = Dead
	s.code = code
	s.addCode(code)
	s.err = message
	if next, err := s.chain.Append(Dead.String(), code, message, now); err == nil {
		s.chain = next
	}
}

// addCode records a code once, in the order first seen.
func (s *spoke) addCode(code string) {
	for _, c := range s.codes {
		if c == code {
			return
		}
	}
	s.codes = append(s.codes, code)
}

func (s *spoke) input() pdp.Input {
	var tags []string
	if s.spec.Tags != nil {
		tags = append([]string(nil), s.spec.Tags...)
	}
	return pdp.Input{
		Principal: s.spec.Principal,
		Action:    s.spec.Action,
		Resource:  s.spec.Resource,
		Tags:      tags,
		Context:   s.spec.Context,
	}
}
