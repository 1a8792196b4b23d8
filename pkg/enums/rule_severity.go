package enums

import (
	"fmt"
	"strings"
)

// RuleSeverity is totally ordered: warning < error < critical.
type RuleSeverity string

const (
	RuleSeverityWarning  RuleSeverity = "warning"
	RuleSeverityError    RuleSeverity = "error"
	RuleSeverityCritical RuleSeverity = "critical"
)

var validRuleSeverities = []RuleSeverity{
	RuleSeverityWarning,
	RuleSeverityError,
	RuleSeverityCritical,
}

func (s RuleSeverity) IsValid() bool {
	return s.Rank() > 0
}

// Rank returns the position of s in the severity order, or 0 when s is unknown.
func (s RuleSeverity) Rank() int {
	for i, candidate := range validRuleSeverities {
		if candidate == s {
			return i + 1
		}
	}
	return 0
}

// AtLeast reports whether s meets or exceeds threshold.
func (s RuleSeverity) AtLeast(threshold RuleSeverity) bool {
	return s.IsValid() && s.Rank() >= threshold.Rank()
}

// ParseRuleSeverity converts raw input into RuleSeverity, ignoring case.
func ParseRuleSeverity(value string) (RuleSeverity, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validRuleSeverities {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid rule severity %q", value)
}
