package events

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
)

func sampleTransaction() *FinancialTransaction {
	return &FinancialTransaction{
		TransactionID: "tx-1",
		FromAccount:   "acc-a",
		ToAccount:     "acc-b",
		Amount:        MustMoney("1500.00", "USD", 2),
		Currency:      "USD",
		Description:   "invoice 42",
		Metadata:      map[string]any{"channel": "wire"},
		Timestamp:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		Tags:          []string{"b2b"},
	}
}

func TestEntityIDPerVariant(t *testing.T) {
	tests := []struct {
		event Event
		want  string
		kind  enums.EventType
	}{
		{&FinancialTransaction{TransactionID: "tx"}, "tx", enums.EventTypeFinancialTransaction},
		{&ComplianceAlert{AlertID: "al"}, "al", enums.EventTypeComplianceAlert},
		{&AccountCreation{AccountID: "acc"}, "acc", enums.EventTypeAccountCreation},
		{&BalanceAdjustment{AdjustmentID: "adj"}, "adj", enums.EventTypeBalanceAdjustment},
		{&AuditLog{LogID: "log"}, "log", enums.EventTypeAuditLog},
	}
	for _, tt := range tests {
		if got := tt.event.EntityID(); got != tt.want {
			t.Fatalf("%T entity id = %q, want %q", tt.event, got, tt.want)
		}
		if got := tt.event.Type(); got != tt.kind {
			t.Fatalf("%T type = %q, want %q", tt.event, got, tt.kind)
		}
	}
}

func TestValidateFinancialTransaction(t *testing.T) {
	if err := Validate(sampleTransaction()); err != nil {
		t.Fatalf("expected valid transaction, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*FinancialTransaction)
		field  string
	}{
		{"missing id", func(tx *FinancialTransaction) { tx.TransactionID = "" }, "transaction_id"},
		{"negative amount", func(tx *FinancialTransaction) { tx.Amount = MustMoney("-1", "USD", 2) }, "amount.amount"},
		{"short currency", func(tx *FinancialTransaction) { tx.Amount = MustMoney("1", "US", 2) }, "amount.currency_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := sampleTransaction()
			tt.mutate(tx)
			err := Validate(tx)
			typed := pkgerrors.As(err)
			if typed == nil || typed.Code() != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			details, ok := typed.Details().(map[string]string)
			if !ok {
				t.Fatalf("expected field details, got %#v", typed.Details())
			}
			if _, ok := details[tt.field]; !ok {
				t.Fatalf("expected detail for %s, got %v", tt.field, details)
			}
		})
	}
}

func TestValidateAccountCreation(t *testing.T) {
	acct := &AccountCreation{
		AccountID:       "",
		AccountType:     enums.AccountTypeAsset,
		InitialBalance:  MustMoney("0", "EUR", 2),
		ComplianceLevel: enums.ComplianceLevelLowRisk,
	}
	if err := Validate(acct); err == nil {
		t.Fatalf("expected empty account id to fail")
	}
	acct.AccountID = "acc-1"
	if err := Validate(acct); err != nil {
		t.Fatalf("expected valid account, got %v", err)
	}
}

func TestValidateUnconstrainedVariantsPass(t *testing.T) {
	for _, ev := range []Event{&ComplianceAlert{}, &BalanceAdjustment{Amount: MustMoney("-5", "X", 0)}, &AuditLog{}} {
		if err := Validate(ev); err != nil {
			t.Fatalf("%T should pass trivially, got %v", ev, err)
		}
	}
	if err := Validate(nil); err == nil {
		t.Fatalf("nil event must fail validation")
	}
}

func TestMarshalIsTaggedAndUTC(t *testing.T) {
	data, err := Marshal(sampleTransaction())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"event_type":"financial_transaction"`) {
		t.Fatalf("missing discriminator: %s", body)
	}
	if !strings.Contains(body, `"timestamp":"2024-03-01T09:00:00Z"`) {
		t.Fatalf("timestamp not normalised to UTC: %s", body)
	}
	if !strings.Contains(body, `"amount":"1500"`) {
		t.Fatalf("amount not normalised: %s", body)
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	original := sampleTransaction()
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tx, ok := decoded.(*FinancialTransaction)
	if !ok {
		t.Fatalf("expected *FinancialTransaction, got %T", decoded)
	}
	if !tx.Amount.Amount().Equal(original.Amount.Amount()) || tx.Amount.CurrencyCode() != "USD" {
		t.Fatalf("money mismatch: %s", tx.Amount)
	}
	if !tx.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", tx.Timestamp, original.Timestamp)
	}
}

func TestUnmarshalRejectsUnknownTag(t *testing.T) {
	_, err := Unmarshal([]byte(`{"event_type":"wire_transfer","id":"x"}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation code, got %s", pkgerrors.CodeOf(err))
	}

	if _, err := Unmarshal([]byte(`{"transaction_id":"x"}`)); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("missing discriminator must be rejected, got %v", err)
	}
}

func TestUnmarshalRejectsBadEnumsAndFields(t *testing.T) {
	cases := map[string]string{
		"alert severity": `{"event_type":"compliance_alert","alert_id":"a","severity":"severe","timestamp":"2024-01-01T00:00:00Z"}`,
		"account type":   `{"event_type":"account_creation","account_id":"a","account_type":"cash","compliance_level":"low_risk","initial_balance":{"amount":"0","currency_code":"USD"},"created_at":"2024-01-01T00:00:00Z"}`,
		"reason":         `{"event_type":"balance_adjustment","adjustment_id":"a","reason":"whim","amount":{"amount":"1","currency_code":"USD"},"timestamp":"2024-01-01T00:00:00Z"}`,
		"unknown field":  `{"event_type":"audit_log","log_id":"l","surprise":true,"timestamp":"2024-01-01T00:00:00Z"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(body)); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := sampleTransaction()
	cloned, err := Clone(original)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	original.Metadata["channel"] = "tampered"
	if cloned.(*FinancialTransaction).Metadata["channel"] != "wire" {
		t.Fatalf("clone shares metadata with original")
	}
}
