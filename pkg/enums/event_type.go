package enums

import "fmt"

// EventType is the discriminator carried by every ledger event on the wire
// and in the ledger_records.event_type column.
type EventType string

const (
	EventTypeFinancialTransaction EventType = "financial_transaction"
	EventTypeComplianceAlert      EventType = "compliance_alert"
	EventTypeAccountCreation      EventType = "account_creation"
	EventTypeBalanceAdjustment    EventType = "balance_adjustment"
	EventTypeAuditLog             EventType = "audit_log"
)

var validEventTypes = []EventType{
	EventTypeFinancialTransaction,
	EventTypeComplianceAlert,
	EventTypeAccountCreation,
	EventTypeBalanceAdjustment,
	EventTypeAuditLog,
}

// IsValid reports whether the value names a known event variant.
func (t EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseEventType converts raw input into EventType.
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
