// Package wheel implements the lifecycle governance engine.
//
// A Wheel drives each request ("spoke") through a closed lifecycle:
//
//	Born → Gated → Attested → Executing → Sealed
//
// with Dead reachable from every non-terminal phase. The gate consults a
// pdp.Evaluator, attestation re-verifies the spoke's own receipt chain,
// and execution is raced against the spoke's deadline and any external
// abort signal. Every transition after birth is written to an
// audit.Service. Spin never panics and never returns an error: every
// failure becomes a Dead Result carrying one of the W-00x codes.
package wheel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/murray-ux/wheel/pkg/abort"
	"github.com/murray-ux/wheel/pkg/audit"
	"github.com/murray-ux/wheel/pkg/observability"
	"github.com/murray-ux/wheel/pkg/pdp"
)

// Clock abstracts time for receipts and audit timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Signer signs the terminal state of a spoke.
type Signer interface {
	SignResult(spokeID, phase, chainHead string) (string, error)
}

// errNoAuditor is the write error of a wheel built without an auditor.
var errNoAuditor = errors.New("wheel: no audit service configured")

// Wheel runs spokes. It holds only the collaborators injected at
// construction and is safe for concurrent use.
type Wheel struct {
	evaluator pdp.Evaluator
	auditor   audit.Service
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.SpinMetrics
	signer    Signer
	clock     Clock
}

// Option configures a Wheel.
type Option func(*Wheel)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Wheel) {
		if l != nil {
			w.logger = l.With("component", "wheel")
		}
	}
}

// WithTracer sets the tracer. The default comes from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(w *Wheel) {
		if t != nil {
			w.tracer = t
		}
	}
}

// WithMeter records spoke metrics on m. The default is the global meter.
func WithMeter(m metric.Meter) Option {
	return func(w *Wheel) {
		if m == nil {
			return
		}
		metrics, err := observability.NewSpinMetrics(m)
		if err != nil {
			w.logger.Error("failed to register metrics", "error", err)
			return
		}
		w.metrics = metrics
	}
}

// WithSigner signs every terminal result.
func WithSigner(s Signer) Option {
	return func(w *Wheel) { w.signer = s }
}

// WithClock overrides the wall clock used for receipt timestamps.
// Deadlines and durations always use the monotonic wall clock.
func WithClock(c Clock) Option {
	return func(w *Wheel) {
		if c != nil {
			w.clock = c
		}
	}
}

// New creates a Wheel. A nil evaluator denies everything and a nil
// auditor fails every write, so a misconfigured wheel never seals.
func New(evaluator pdp.Evaluator, auditor audit.Service, opts ...Option) *Wheel {
	if evaluator == nil {
		evaluator = pdp.DenyAll("", "no evaluator configured")
	}
	if auditor == nil {
		auditor = audit.ServiceFunc(func(context.Context, audit.Event) error { return errNoAuditor })
	}
	w := &Wheel{
		evaluator: evaluator,
		auditor:   auditor,
		logger:    slog.Default().With("component", "wheel"),
		tracer:    otel.Tracer(observability.InstrumentationName),
		clock:     wallClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics, _ = observability.NewSpinMetrics(otel.Meter(observability.InstrumentationName))
	}
	return w
}

// Spin runs one spoke to a terminal phase and returns its result.
func (w *Wheel) Spin(ctx context.Context, spec SpokeSpec) (res Result) {
	if ctx == nil {
		ctx = context.Background()
	}

	id, idErr := NewSpokeID(spec.Principal, spec.Action, spec.Resource, spec.Context)
	if idErr != nil {
		id = fallbackSpokeID(spec.Principal, spec.Action, spec.Resource)
	}
	s, err := newSpoke(id, spec, w.clock.Now())
	if err != nil {
		return Result{ID: id, Phase: Dead, Code: CodeIllegalTransition, Codes: []string{CodeIllegalTransition}, Error: err.Error()}
	}

	ctx, span := w.tracer.Start(ctx, "wheel.spin",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(observability.SpokeOperation(id, spec.Principal, spec.Action, spec.Resource)...),
	)
	w.metrics.Started(ctx)

	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "spin panicked", "spoke_id", id, "panic", r)
			w.kill(ctx, s, CodeIllegalTransition, fmt.Sprintf("internal error: %v", r))
		}
		res = w.finish(ctx, s, span)
	}()

	timeout := abort.Timeout(spec.Deadline)
	defer timeout.Stop()
	caller := abort.FromContext(ctx)
	defer caller.Stop()
	sig := abort.Any(timeout, spec.Signal, caller)
	defer sig.Stop()

	if sig.Fired() {
		w.abortSpoke(ctx, s, sig.Reason())
		return
	}
	if idErr != nil {
		w.kill(ctx, s, CodePolicyDenied, "context cannot be canonicalized: "+idErr.Error())
		return
	}

	runCtx, cancelRun := abort.Context(ctx, sig)
	defer cancelRun()

	if !w.gate(ctx, runCtx, s, sig) {
		return
	}
	if !w.attest(ctx, s) {
		return
	}
	w.execute(ctx, runCtx, s, sig)
	return
}

// gate moves the spoke to Gated and consults the evaluator. The evaluator
// runs on runCtx, so an evaluator error after the signal fired is the
// abort surfacing and keeps the signal's code.
func (w *Wheel) gate(ctx, runCtx context.Context, s *spoke, sig abort.Signal) bool {
	if !w.step(ctx, s, Gated) {
		return false
	}

	decision, evalErr := w.evaluate(runCtx, s)
	if evalErr == nil {
		d := decision.Clone()
		s.decision = &d
	}
	auditErr := w.audit(ctx, s, audit.SourceGate)

	switch {
	case evalErr != nil && sig.Fired():
		w.abortSpoke(ctx, s, sig.Reason())
		return false
	case evalErr != nil:
		w.kill(ctx, s, CodePolicyDenied, "evaluator error: "+evalErr.Error())
		return false
	case !decision.Allowed():
		w.kill(ctx, s, CodePolicyDenied, denyMessage(decision))
		return false
	case auditErr != nil:
		w.kill(ctx, s, CodeAuditFailure, "audit write failed: "+auditErr.Error())
		return false
	}
	return true
}

// attest moves the spoke to Attested and re-verifies its receipt chain.
func (w *Wheel) attest(ctx context.Context, s *spoke) bool {
	if !w.step(ctx, s, Attested) {
		return false
	}

	verifyErr := s.chain.Verify()
	auditErr := w.audit(ctx, s, audit.SourceAttest)

	switch {
	case verifyErr != nil:
		w.kill(ctx, s, CodeAttestation, verifyErr.Error())
		return false
	case auditErr != nil:
		w.kill(ctx, s, CodeAuditFailure, "audit write failed: "+auditErr.Error())
		return false
	}
	return true
}

type outcome struct {
	output any
	err    error
}

// execute races the executor against the abort signal.
func (w *Wheel) execute(ctx, runCtx context.Context, s *spoke, sig abort.Signal) {
	if !w.step(ctx, s, Executing) {
		return
	}
	if err := w.audit(ctx, s, audit.SourceExecute); err != nil {
		w.kill(ctx, s, CodeAuditFailure, "audit write failed: "+err.Error())
		return
	}
	if sig.Fired() {
		w.abortSpoke(ctx, s, sig.Reason())
		return
	}
	if s.spec.Execute == nil {
		w.kill(ctx, s, CodeExecutor, "no executor")
		return
	}

	results := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := s.spec.Execute(runCtx)
		results <- outcome{output: out, err: err}
	}()

	select {
	case o := <-results:
		elapsed := time.Since(start)
		s.duration = &elapsed
		if o.err != nil {
			w.kill(ctx, s, CodeExecutor, o.err.Error())
			return
		}
		s.output = o.output
		w.seal(ctx, s)
	case <-sig.Done():
		elapsed := time.Since(start)
		s.duration = &elapsed
		w.abortSpoke(ctx, s, sig.Reason())
	}
}

// seal writes the Sealed event before committing the phase. Sealed is
// absorbing, so a failed write kills the spoke from Executing instead.
func (w *Wheel) seal(ctx context.Context, s *spoke) {
	staged, err := s.stage(Sealed, w.clock.Now())
	if err != nil {
		w.kill(ctx, s, CodeIllegalTransition, err.Error())
		return
	}
	last, _ := staged.Last()
	event := w.event(s, audit.SourceSeal)
	event.Phase = Sealed.String()
	event.ChainHash = last.ChainHash
	event.Timestamp = last.Timestamp
	if err := w.write(ctx, s, event); err != nil {
		s.output = nil
		w.kill(ctx, s, CodeAuditFailure, "audit write failed: "+err.Error())
		return
	}
	s.commit(Sealed, staged)
	trace.SpanFromContext(ctx).AddEvent("wheel.transition",
		trace.WithAttributes(observability.AttrPhase.String(Sealed.String())))
}

func (w *Wheel) evaluate(ctx context.Context, s *spoke) (d pdp.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return w.evaluator.Evaluate(ctx, s.input())
}

// step advances the spoke and reports whether the spin may continue. A
// refused edge has already killed the spoke; its death is audited here.
func (w *Wheel) step(ctx context.Context, s *spoke, to Phase) bool {
	from := s.phase
	if err := s.advance(to, w.clock.Now()); err != nil {
		if s.phase == Dead && from != Dead {
			w.logger.ErrorContext(ctx, "illegal transition", "spoke_id", s.id, "error", err)
			w.auditDeath(ctx, s)
		}
		return false
	}
	trace.SpanFromContext(ctx).AddEvent("wheel.transition",
		trace.WithAttributes(observability.AttrPhase.String(to.String())))
	return true
}

func (w *Wheel) abortSpoke(ctx context.Context, s *spoke, r *abort.Reason) {
	msg := "aborted"
	if r != nil {
		msg = r.Message
		if msg == "" {
			msg = r.Error()
		}
	}
	w.kill(ctx, s, abortCode(r), msg)
}

// kill is the shared terminal path. It is a no-op on a terminal spoke.
func (w *Wheel) kill(ctx context.Context, s *spoke, code, message string) {
	if s.phase.Terminal() {
		return
	}
	s.die(code, message, w.clock.Now())
	w.auditDeath(ctx, s)
}

func (w *Wheel) auditDeath(ctx context.Context, s *spoke) {
	w.logger.WarnContext(ctx, "spoke killed",
		"spoke_id", s.id,
		"code", s.code,
		"error", s.err,
	)
	trace.SpanFromContext(ctx).AddEvent("wheel.transition",
		trace.WithAttributes(observability.Outcome(Dead.String(), s.code)...))
	_ = w.audit(ctx, s, audit.SourceKill)
}

// audit writes one event for the spoke's current phase.
func (w *Wheel) audit(ctx context.Context, s *spoke, source audit.Source) error {
	return w.write(ctx, s, w.event(s, source))
}

func (w *Wheel) event(s *spoke, source audit.Source) audit.Event {
	last, _ := s.chain.Last()
	event := audit.Event{
		SpokeID:   s.id,
		Phase:     s.phase.String(),
		Principal: s.spec.Principal,
		Action:    s.spec.Action,
		Resource:  s.spec.Resource,
		Source:    source,
		Code:      s.code,
		ChainHash: last.ChainHash,
		Timestamp: last.Timestamp,
	}
	switch {
	case s.phase == Dead:
		event.Detail = s.err
	case source == audit.SourceGate && s.decision != nil:
		event.Detail = s.decision.Effect
		if summary := s.decision.Summary(); summary != "" {
			event.Detail += " " + summary
		}
	}
	return event
}

// write sends one event to the auditor. A failed write is recorded as
// CodeAuditFailure and returned; it never replaces the primary code.
// Writes are detached from cancellation so the terminal event is still
// attempted after an abort.
func (w *Wheel) write(ctx context.Context, s *spoke, event audit.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit panic: %v", r)
		}
		if err != nil {
			s.addCode(CodeAuditFailure)
			w.logger.ErrorContext(ctx, "audit write failed",
				"spoke_id", s.id,
				"phase", event.Phase,
				"source", string(event.Source),
				"error", err,
			)
			trace.SpanFromContext(ctx).RecordError(err)
		}
	}()
	return w.auditor.Write(context.WithoutCancel(ctx), event)
}

// finish closes the spin: it guarantees a terminal phase, signs, records
// telemetry and freezes the result.
func (w *Wheel) finish(ctx context.Context, s *spoke, span trace.Span) Result {
	if !s.phase.Terminal() {
		w.kill(ctx, s, CodeIllegalTransition, fmt.Sprintf("spin ended in non-terminal phase %s", s.phase))
	}

	res := s.snapshot()
	if w.signer != nil {
		sig, err := w.sign(res)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to sign result", "spoke_id", res.ID, "error", err)
		} else {
			res.Signature = sig
		}
	}

	w.metrics.Finished(ctx, res.Phase.String(), res.Code, res.Duration)
	span.SetAttributes(observability.Outcome(res.Phase.String(), res.Code)...)
	if res.Phase == Dead {
		span.SetStatus(otelcodes.Error, res.Error)
	} else {
		span.SetStatus(otelcodes.Ok, "")
		var elapsed time.Duration
		if res.Duration != nil {
			elapsed = *res.Duration
		}
		w.logger.InfoContext(ctx, "spoke sealed", "spoke_id", res.ID, "duration", elapsed)
	}
	span.End()
	return res
}

func (w *Wheel) sign(res Result) (sig string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signer panic: %v", r)
		}
	}()
	return w.signer.SignResult(res.ID, res.Phase.String(), res.ChainHead())
}

func denyMessage(d pdp.Decision) string {
	if summary := d.Summary(); summary != "" {
		return summary
	}
	return fmt.Sprintf("effect %q is not %s", d.Effect, pdp.EffectAllow)
}
