package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
)

var (
	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrUnknownRule     = errors.New("rule not registered")
)

// Observer receives one callback per rule evaluation.
type Observer interface {
	ObserveRule(ruleID string, elapsed time.Duration, violations []Violation, failed bool)
}

// Validator owns a rule registry and named rule sets. Instances are explicit
// values; nothing is registered globally.
type Validator struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	order    []string
	ruleSets map[string][]string
	observer Observer
}

func NewValidator(rules ...Rule) *Validator {
	v := &Validator{
		rules:    map[string]Rule{},
		ruleSets: map[string][]string{},
	}
	for _, rule := range rules {
		v.AddRule(rule)
	}
	return v
}

// WithObserver sets the evaluation observer and returns v.
func (v *Validator) WithObserver(obs Observer) *Validator {
	v.mu.Lock()
	v.observer = obs
	v.mu.Unlock()
	return v
}

// AddRule registers rule under its id. A rule with the same id replaces the
// previous one and keeps its evaluation position.
func (v *Validator) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id := rule.ID()
	if _, exists := v.rules[id]; !exists {
		v.order = append(v.order, id)
	}
	v.rules[id] = rule
}

// CreateRuleSet registers an ordered list of rule ids under name, replacing
// any previous set with that name. Every id must already be registered.
func (v *Validator) CreateRuleSet(name string, ruleIDs ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		if _, ok := v.rules[id]; !ok {
			return fmt.Errorf("rule set %q: %w: %s", name, ErrUnknownRule, id)
		}
		ids = append(ids, id)
	}
	v.ruleSets[name] = ids
	return nil
}

// RuleIDs returns registered rule ids in evaluation order.
func (v *Validator) RuleIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.order...)
}

// RuleSet returns the ids of a named set.
func (v *Validator) RuleSet(name string) ([]string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids, ok := v.ruleSets[name]
	return append([]string(nil), ids...), ok
}

// Validate runs every registered rule against ev and aggregates violations.
// Only cancellation of ctx produces an error.
func (v *Validator) Validate(ctx context.Context, ev events.Event, ec EvalContext) ([]Violation, error) {
	v.mu.RLock()
	rules := make([]Rule, 0, len(v.order))
	for _, id := range v.order {
		rules = append(rules, v.rules[id])
	}
	observer := v.observer
	v.mu.RUnlock()

	return evaluateAll(ctx, rules, ev, ec, observer)
}

// ValidateWithRuleSet runs exactly the rules listed in the named set, in order.
func (v *Validator) ValidateWithRuleSet(ctx context.Context, ev events.Event, name string, ec EvalContext) ([]Violation, error) {
	v.mu.RLock()
	ids, ok := v.ruleSets[name]
	if !ok {
		v.mu.RUnlock()
		return nil, pkgerrors.Wrap(pkgerrors.CodeRuleSetNotFound, ErrRuleSetNotFound, fmt.Sprintf("rule set %q not found", name)).
			WithDetails(map[string]string{"rule_set": name})
	}
	rules := make([]Rule, 0, len(ids))
	for _, id := range ids {
		rules = append(rules, v.rules[id])
	}
	observer := v.observer
	v.mu.RUnlock()

	return evaluateAll(ctx, rules, ev, ec, observer)
}

func evaluateAll(ctx context.Context, rules []Rule, ev events.Event, ec EvalContext, observer Observer) ([]Violation, error) {
	var violations []Violation
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return violations, err
		}
		start := time.Now()
		found, failed := evaluateIsolated(ctx, rule, ev, ec)
		if observer != nil {
			observer.ObserveRule(rule.ID(), time.Since(start), found, failed)
		}
		violations = append(violations, found...)
	}
	return violations, nil
}

// evaluateIsolated turns an error or panic from rule into a single critical
// violation so the remaining rules still run. Violations without a valid
// severity take the rule's declared one.
func evaluateIsolated(ctx context.Context, rule Rule, ev events.Event, ec EvalContext) (found []Violation, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			found = []Violation{evaluationFailure(rule.ID(), fmt.Errorf("panic: %v", r))}
			failed = true
		}
	}()
	result, err := rule.Evaluate(ctx, ev, ec)
	if err != nil {
		return []Violation{evaluationFailure(rule.ID(), err)}, true
	}
	for i := range result {
		if result[i].RuleID == "" {
			result[i].RuleID = rule.ID()
		}
		if !result[i].Severity.IsValid() {
			result[i].Severity = rule.Severity()
		}
	}
	return result, false
}

func evaluationFailure(ruleID string, err error) Violation {
	return Violation{
		RuleID:   ruleID,
		Severity: enums.RuleSeverityCritical,
		Message:  fmt.Sprintf("Rule evaluation error: %v", err),
		Evidence: map[string]any{"error": err.Error()},
	}
}
