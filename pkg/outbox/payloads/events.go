package payloads

import (
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// RecordAppendedEvent announces a record admitted to a chain.
type RecordAppendedEvent struct {
	ChainID      string          `json:"chain_id"`
	Sequence     int64           `json:"sequence"`
	EventHash    string          `json:"event_hash"`
	PreviousHash string          `json:"previous_hash,omitempty"`
	EventType    enums.EventType `json:"event_type"`
	EntityID     string          `json:"entity_id"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// Alert sources.
const (
	AlertSourceRule  = "rule"
	AlertSourceEvent = "event"
)

// ComplianceAlertEvent surfaces a non-blocking violation, or a ComplianceAlert
// event recorded on a chain.
type ComplianceAlertEvent struct {
	ChainID   string              `json:"chain_id"`
	EventHash string              `json:"event_hash,omitempty"`
	EntityID  string              `json:"entity_id"`
	RuleID    string              `json:"rule_id"`
	Severity  enums.AlertSeverity `json:"severity"`
	Message   string              `json:"message"`
	Evidence  map[string]any      `json:"evidence,omitempty"`
	Source    string              `json:"source"`
}

// ChainSealedEvent is emitted once, when a chain transitions to sealed.
type ChainSealedEvent struct {
	ChainID  string    `json:"chain_id"`
	Head     string    `json:"head,omitempty"`
	Records  int64     `json:"records"`
	SealedAt time.Time `json:"sealed_at"`
}

// IntegrityFailedEvent reports the first tamper point found by a verification run.
type IntegrityFailedEvent struct {
	ChainID        string    `json:"chain_id"`
	TamperIndex    int       `json:"tamper_index"`
	TamperSequence int64     `json:"tamper_sequence"`
	TamperHash     string    `json:"tamper_hash,omitempty"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}
