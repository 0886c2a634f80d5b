// Package pdp defines the Policy Decision Point contract consumed by the
// wheel's gate step, and the decision points shipped with it.
//
// Every implementation MUST be fail-closed: anything other than an
// explicit EffectAllow, including absence of a matching rule, is a deny.
// Implementations must be safe for concurrent use; one evaluator serves
// every spoke a wheel runs.
package pdp

import (
	"context"
	"strings"
	"time"

	"github.com/murray-ux/wheel/pkg/canonicalize"
)

// Effects recognised by the gate. Only EffectAllow proceeds.
const (
	EffectAllow = "ALLOW"
	EffectDeny  = "DENY"
)

// Input is the structured request handed to an Evaluator.
type Input struct {
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Tags      []string       `json:"tags,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Reason explains one rule's contribution to a decision.
type Reason struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// Decision is the output of an evaluation. The wheel only inspects Effect.
type Decision struct {
	Effect        string    `json:"effect"`
	Reasons       []Reason  `json:"reasons,omitempty"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
	PolicyVersion string    `json:"policy_version,omitempty"`
}

// Allowed reports whether the decision is exactly EffectAllow.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Summary joins the reasons as "rule: message" pairs.
func (d Decision) Summary() string {
	parts := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		switch {
		case r.RuleID == "":
			parts = append(parts, r.Message)
		case r.Message == "":
			parts = append(parts, r.RuleID)
		default:
			parts = append(parts, r.RuleID+": "+r.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	if d.Reasons != nil {
		d.Reasons = append([]Reason(nil), d.Reasons...)
	}
	return d
}

// Evaluator is the stable interface for policy evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, in Input) (Decision, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, in Input) (Decision, error) {
	return f(ctx, in)
}

// AllowAll returns an evaluator that allows everything. Intended for
// tests and local demos only.
func AllowAll(version string) Evaluator {
	return EvaluatorFunc(func(_ context.Context, _ Input) (Decision, error) {
		return Decision{
			Effect:        EffectAllow,
			Reasons:       []Reason{{RuleID: "allow-all", Message: "unconditional allow"}},
			EvaluatedAt:   time.Now().UTC(),
			PolicyVersion: version,
		}, nil
	})
}

// DenyAll returns an evaluator that denies everything with message.
func DenyAll(version, message string) Evaluator {
	return EvaluatorFunc(func(_ context.Context, _ Input) (Decision, error) {
		return Deny(version, "deny-all", message), nil
	})
}

// Deny builds a single-reason deny decision.
func Deny(version, ruleID, message string) Decision {
	return Decision{
		Effect:        EffectDeny,
		Reasons:       []Reason{{RuleID: ruleID, Message: message}},
		EvaluatedAt:   time.Now().UTC(),
		PolicyVersion: version,
	}
}

// DecisionHash returns "sha256:<hex>" over the JCS form of the decision's
// effect, reasons and policy version. EvaluatedAt is excluded so equal
// verdicts hash equally.
func DecisionHash(d Decision) (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Effect        string   `json:"effect"`
		Reasons       []Reason `json:"reasons"`
		PolicyVersion string   `json:"policy_version"`
	}{
		Effect:        d.Effect,
		Reasons:       d.Reasons,
		PolicyVersion: d.PolicyVersion,
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}
