// Package events defines the closed set of ledger events, their wire shape and
// their structural validation.
package events

import (
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// Event is implemented only by the variants declared in this package.
type Event interface {
	Type() enums.EventType
	// EntityID is the stable identifier used for audit trail lookups.
	EntityID() string
	sealed()
}

type FinancialTransaction struct {
	TransactionID string         `json:"transaction_id" validate:"required"`
	FromAccount   string         `json:"from_account"`
	ToAccount     string         `json:"to_account"`
	Amount        Money          `json:"amount"`
	Currency      string         `json:"currency"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Tags          []string       `json:"tags,omitempty"`
}

type ComplianceAlert struct {
	AlertID          string              `json:"alert_id"`
	RuleID           string              `json:"rule_id"`
	Severity         enums.AlertSeverity `json:"severity"`
	Description      string              `json:"description"`
	AffectedEntities []string            `json:"affected_entities,omitempty"`
	Evidence         map[string]any      `json:"evidence,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
}

type AccountCreation struct {
	AccountID       string                `json:"account_id" validate:"required"`
	AccountType     enums.AccountType     `json:"account_type"`
	OwnerID         string                `json:"owner_id"`
	InitialBalance  Money                 `json:"initial_balance"`
	ComplianceLevel enums.ComplianceLevel `json:"compliance_level"`
	CreatedAt       time.Time             `json:"created_at"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
}

// BalanceAdjustment is how corrections enter the ledger; records are never edited.
type BalanceAdjustment struct {
	AdjustmentID string                 `json:"adjustment_id"`
	AccountID    string                 `json:"account_id"`
	Reason       enums.AdjustmentReason `json:"reason"`
	Amount       Money                  `json:"amount"`
	Reference    string                 `json:"reference"`
	AuthorizedBy string                 `json:"authorized_by"`
	Timestamp    time.Time              `json:"timestamp"`
}

type AuditLog struct {
	LogID     string         `json:"log_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource"`
	Changes   map[string]any `json:"changes,omitempty"`
	IPAddress *string        `json:"ip_address,omitempty"`
	UserAgent *string        `json:"user_agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (*FinancialTransaction) Type() enums.EventType {
	return enums.EventTypeFinancialTransaction
}
func (*ComplianceAlert) Type() enums.EventType   { return enums.EventTypeComplianceAlert }
func (*AccountCreation) Type() enums.EventType   { return enums.EventTypeAccountCreation }
func (*BalanceAdjustment) Type() enums.EventType { return enums.EventTypeBalanceAdjustment }
func (*AuditLog) Type() enums.EventType          { return enums.EventTypeAuditLog }

func (e *FinancialTransaction) EntityID() string { return e.TransactionID }
func (e *ComplianceAlert) EntityID() string      { return e.AlertID }
func (e *AccountCreation) EntityID() string      { return e.AccountID }
func (e *BalanceAdjustment) EntityID() string    { return e.AdjustmentID }
func (e *AuditLog) EntityID() string             { return e.LogID }

func (*FinancialTransaction) sealed() {}
func (*ComplianceAlert) sealed()      {}
func (*AccountCreation) sealed()      {}
func (*BalanceAdjustment) sealed()    {}
func (*AuditLog) sealed()             {}

// OccurredAt returns the business timestamp carried by the event payload.
func OccurredAt(ev Event) time.Time {
	switch e := ev.(type) {
	case *FinancialTransaction:
		return e.Timestamp
	case *ComplianceAlert:
		return e.Timestamp
	case *AccountCreation:
		return e.CreatedAt
	case *BalanceAdjustment:
		return e.Timestamp
	case *AuditLog:
		return e.Timestamp
	default:
		return time.Time{}
	}
}
