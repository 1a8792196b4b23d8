package enums

import "fmt"

type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

var validAlertSeverities = []AlertSeverity{
	AlertSeverityLow,
	AlertSeverityMedium,
	AlertSeverityHigh,
	AlertSeverityCritical,
}

func (s AlertSeverity) IsValid() bool {
	for _, candidate := range validAlertSeverities {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseAlertSeverity(value string) (AlertSeverity, error) {
	for _, candidate := range validAlertSeverities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid alert severity %q", value)
}

// AlertSeverityFor maps a rule severity onto the alert scale used by
// compliance_alert events.
func AlertSeverityFor(severity RuleSeverity) AlertSeverity {
	switch severity {
	case RuleSeverityCritical:
		return AlertSeverityCritical
	case RuleSeverityError:
		return AlertSeverityHigh
	default:
		return AlertSeverityMedium
	}
}
