package pdp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/cel-go/cel"
)

// ErrInvalidRule is wrapped by every rule compilation failure.
var ErrInvalidRule = errors.New("pdp: invalid rule")

// Rule is one entry of a policy document. Principal, Action and Resource
// are path.Match globs; empty means "*". When is an optional CEL boolean
// expression over principal, action, resource, tags and context.
type Rule struct {
	ID        string `yaml:"id" json:"id"`
	Effect    string `yaml:"effect" json:"effect"`
	Principal string `yaml:"principal,omitempty" json:"principal,omitempty"`
	Action    string `yaml:"action,omitempty" json:"action,omitempty"`
	Resource  string `yaml:"resource,omitempty" json:"resource,omitempty"`
	When      string `yaml:"when,omitempty" json:"when,omitempty"`
	Message   string `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// RuleSet evaluates an ordered list of rules with deny-overrides: any
// matching DENY rule denies, otherwise any matching ALLOW rule allows,
// otherwise the request is denied with reason "no-match".
type RuleSet struct {
	version string
	rules   []compiledRule
}

var _ Evaluator = (*RuleSet)(nil)

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewRuleSet compiles rules. Every glob and CEL condition is checked up
// front so evaluation never meets a malformed rule.
func NewRuleSet(version string, rules []Rule) (*RuleSet, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("pdp: create CEL environment: %w", err)
	}

	rs := &RuleSet{version: version, rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", ErrInvalidRule, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, fmt.Errorf("%w: rule %q has effect %q", ErrInvalidRule, r.ID, r.Effect)
		}
		for _, pattern := range []string{r.Principal, r.Action, r.Resource} {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("%w: rule %q pattern %q: %v", ErrInvalidRule, r.ID, pattern, err)
			}
		}

		cr := compiledRule{Rule: r}
		if r.When != "" {
			ast, issues := env.Compile(r.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: rule %q condition: %v", ErrInvalidRule, r.ID, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("%w: rule %q condition must be boolean, got %s", ErrInvalidRule, r.ID, ast.OutputType())
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q program: %v", ErrInvalidRule, r.ID, err)
			}
			cr.program = prg
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Version returns the policy version tag stamped on decisions.
func (rs *RuleSet) Version() string { return rs.version }

// Evaluate implements Evaluator. It never returns an error: evaluation
// problems become deny reasons.
func (rs *RuleSet) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Deny(rs.version, "context", "evaluation cancelled: "+err.Error()), nil
	}

	activation := map[string]any{
		"principal": in.Principal,
		"action":    in.Action,
		"resource":  in.Resource,
		"tags":      nonNilTags(in.Tags),
		"context":   nonNilContext(in.Context),
	}

	var allows, denies []Reason
	for _, r := range rs.rules {
		if !globMatch(r.Principal, in.Principal) || !globMatch(r.Action, in.Action) || !globMatch(r.Resource, in.Resource) {
			continue
		}
		if r.program != nil {
			ok, err := evalCondition(ctx, r.program, activation)
			if err != nil {
				denies = append(denies, Reason{RuleID: r.ID, Message: "condition error: " + err.Error()})
				continue
			}
			if !ok {
				continue
			}
		}
		reason := Reason{RuleID: r.ID, Message: r.Message}
		if reason.Message == "" {
			reason.Message = "matched"
		}
		if r.Effect == EffectDeny {
			denies = append(denies, reason)
		} else {
			allows = append(allows, reason)
		}
	}

	now := time.Now().UTC()
	switch {
	case len(denies) > 0:
		return Decision{Effect: EffectDeny, Reasons: denies, EvaluatedAt: now, PolicyVersion: rs.version}, nil
	case len(allows) > 0:
		return Decision{Effect: EffectAllow, Reasons: allows, EvaluatedAt: now, PolicyVersion: rs.version}, nil
	default:
		return Deny(rs.version, "default", "no-match"), nil
	}
}

func evalCondition(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return v, nil
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilContext(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c
}
