package compliance

import (
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// DefaultThreshold is the lowest severity that blocks admission unless configured otherwise.
const DefaultThreshold = enums.RuleSeverityError

// Gate decides whether a set of violations prevents an event from being admitted.
type Gate struct {
	Threshold enums.RuleSeverity
}

// NewGate returns a gate for threshold, falling back to DefaultThreshold for
// empty or unknown values.
func NewGate(threshold enums.RuleSeverity) Gate {
	if !threshold.IsValid() {
		threshold = DefaultThreshold
	}
	return Gate{Threshold: threshold}
}

func (g Gate) threshold() enums.RuleSeverity {
	if !g.Threshold.IsValid() {
		return DefaultThreshold
	}
	return g.Threshold
}

// Blocking returns the violations at or above the threshold.
func (g Gate) Blocking(violations []Violation) []Violation {
	var blocking []Violation
	for _, v := range violations {
		if v.Severity.AtLeast(g.threshold()) {
			blocking = append(blocking, v)
		}
	}
	return blocking
}

// Advisory returns the violations strictly below the threshold.
func (g Gate) Advisory(violations []Violation) []Violation {
	var advisory []Violation
	for _, v := range violations {
		if !v.Severity.AtLeast(g.threshold()) {
			advisory = append(advisory, v)
		}
	}
	return advisory
}

func (g Gate) Blocks(violations []Violation) bool {
	return len(g.Blocking(violations)) > 0
}
