package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
)

// ErrUnknownEventType is returned for discriminators outside the closed variant set.
var ErrUnknownEventType = errors.New("unknown event type")

const discriminator = "event_type"

// Marshal encodes ev as a flat JSON object tagged with "event_type".
// Timestamps are normalised to UTC.
func Marshal(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case *FinancialTransaction:
		c := *e
		c.Timestamp = c.Timestamp.UTC()
		return json.Marshal(struct {
			EventType enums.EventType `json:"event_type"`
			*FinancialTransaction
		}{c.Type(), &c})
	case *ComplianceAlert:
		c := *e
		c.Timestamp = c.Timestamp.UTC()
		return json.Marshal(struct {
			EventType enums.EventType `json:"event_type"`
			*ComplianceAlert
		}{c.Type(), &c})
	case *AccountCreation:
		c := *e
		c.CreatedAt = c.CreatedAt.UTC()
		return json.Marshal(struct {
			EventType enums.EventType `json:"event_type"`
			*AccountCreation
		}{c.Type(), &c})
	case *BalanceAdjustment:
		c := *e
		c.Timestamp = c.Timestamp.UTC()
		return json.Marshal(struct {
			EventType enums.EventType `json:"event_type"`
			*BalanceAdjustment
		}{c.Type(), &c})
	case *AuditLog:
		c := *e
		c.Timestamp = c.Timestamp.UTC()
		return json.Marshal(struct {
			EventType enums.EventType `json:"event_type"`
			*AuditLog
		}{c.Type(), &c})
	default:
		return nil, fmt.Errorf("marshal %T: %w", ev, ErrUnknownEventType)
	}
}

// Unmarshal decodes a tagged event. Unknown discriminators, unknown fields and
// out-of-range enum values are rejected with CodeValidation.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed event")
	}
	eventType, err := enums.ParseEventType(head.EventType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, ErrUnknownEventType, err.Error()).
			WithDetails(map[string]string{discriminator: head.EventType})
	}

	var ev Event
	switch eventType {
	case enums.EventTypeFinancialTransaction:
		e := &FinancialTransaction{}
		err = decodeTagged(data, &struct {
			EventType string `json:"event_type"`
			*FinancialTransaction
		}{FinancialTransaction: e})
		ev = e
	case enums.EventTypeComplianceAlert:
		e := &ComplianceAlert{}
		err = decodeTagged(data, &struct {
			EventType string `json:"event_type"`
			*ComplianceAlert
		}{ComplianceAlert: e})
		if err == nil && !e.Severity.IsValid() {
			err = fmt.Errorf("invalid alert severity %q", e.Severity)
		}
		ev = e
	case enums.EventTypeAccountCreation:
		e := &AccountCreation{}
		err = decodeTagged(data, &struct {
			EventType string `json:"event_type"`
			*AccountCreation
		}{AccountCreation: e})
		if err == nil && !e.AccountType.IsValid() {
			err = fmt.Errorf("invalid account type %q", e.AccountType)
		}
		if err == nil && !e.ComplianceLevel.IsValid() {
			err = fmt.Errorf("invalid compliance level %q", e.ComplianceLevel)
		}
		ev = e
	case enums.EventTypeBalanceAdjustment:
		e := &BalanceAdjustment{}
		err = decodeTagged(data, &struct {
			EventType string `json:"event_type"`
			*BalanceAdjustment
		}{BalanceAdjustment: e})
		if err == nil && !e.Reason.IsValid() {
			err = fmt.Errorf("invalid adjustment reason %q", e.Reason)
		}
		ev = e
	case enums.EventTypeAuditLog:
		e := &AuditLog{}
		err = decodeTagged(data, &struct {
			EventType string `json:"event_type"`
			*AuditLog
		}{AuditLog: e})
		ev = e
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("malformed %s event", eventType))
	}
	return ev, nil
}

func decodeTagged(data []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(dest)
}

// Clone returns a deep copy of ev by round-tripping it through the wire format.
func Clone(ev Event) (Event, error) {
	data, err := Marshal(ev)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Envelope carries a tagged event inside a larger JSON document.
type Envelope struct {
	Event Event
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return []byte("null"), nil
	}
	return Marshal(e.Event)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		e.Event = nil
		return nil
	}
	ev, err := Unmarshal(data)
	if err != nil {
		return err
	}
	e.Event = ev
	return nil
}
