package compliance

import (
	"context"

	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// Policy pairs a rule registry with the gate that interprets its output.
type Policy struct {
	Validator      *Validator
	Gate           Gate
	DefaultRuleSet string
}

// Decision is the outcome of evaluating one event against a policy.
type Decision struct {
	RuleSet    string             `json:"rule_set,omitempty"`
	Threshold  enums.RuleSeverity `json:"threshold"`
	Violations []Violation        `json:"violations"`
	Blocking   []Violation        `json:"blocking"`
}

func (d Decision) Blocked() bool {
	return len(d.Blocking) > 0
}

// Advisory returns violations that were reported but do not block.
func (d Decision) Advisory() []Violation {
	return Gate{Threshold: d.Threshold}.Advisory(d.Violations)
}

// Evaluate runs ruleSet, or the policy default, or every registered rule
// when neither is set.
func (p *Policy) Evaluate(ctx context.Context, ev events.Event, ruleSet string, ec EvalContext) (Decision, error) {
	if ruleSet == "" {
		ruleSet = p.DefaultRuleSet
	}
	var (
		violations []Violation
		err        error
	)
	if ruleSet == "" {
		violations, err = p.Validator.Validate(ctx, ev, ec)
	} else {
		violations, err = p.Validator.ValidateWithRuleSet(ctx, ev, ruleSet, ec)
	}
	if err != nil {
		return Decision{RuleSet: ruleSet, Threshold: p.Gate.threshold()}, err
	}
	return Decision{
		RuleSet:    ruleSet,
		Threshold:  p.Gate.threshold(),
		Violations: violations,
		Blocking:   p.Gate.Blocking(violations),
	}, nil
}

// PolicySource yields the policy to apply to the next admission.
type PolicySource interface {
	Current() *Policy
}

type staticSource struct{ policy *Policy }

func (s staticSource) Current() *Policy { return s.policy }

// Static wraps a fixed policy as a PolicySource.
func Static(p *Policy) PolicySource {
	return staticSource{policy: p}
}
