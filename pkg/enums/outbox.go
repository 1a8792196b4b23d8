package enums

import "fmt"

// OutboxAggregateType maps to outbox_events.aggregate_type.
type OutboxAggregateType string

const (
	AggregateLedgerRecord OutboxAggregateType = "ledger_record"
	AggregateLedgerChain  OutboxAggregateType = "ledger_chain"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLedgerRecord,
	AggregateLedgerChain,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to outbox_events.event_type.
type OutboxEventType string

const (
	EventLedgerRecordAppended  OutboxEventType = "ledger_record_appended"
	EventComplianceAlertRaised OutboxEventType = "compliance_alert_raised"
	EventLedgerChainSealed     OutboxEventType = "ledger_chain_sealed"
	EventLedgerIntegrityFailed OutboxEventType = "ledger_integrity_failed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventLedgerRecordAppended,
	EventComplianceAlertRaised,
	EventLedgerChainSealed,
	EventLedgerIntegrityFailed,
}

// IsValid reports whether the value matches a known outbox event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
