package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/payloads"
)

// Topics names the broker destinations for each event family. The same
// names are used for Pub/Sub topics and Kafka topics.
type Topics struct {
	Records   string
	Alerts    string
	Lifecycle string
}

// EventDescriptor links an event type to its aggregate/topic/payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic names.
func NewEventRegistry(topics Topics) (*EventRegistry, error) {
	for name, value := range map[string]string{
		"records":   topics.Records,
		"alerts":    topics.Alerts,
		"lifecycle": topics.Lifecycle,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%s topic is required", name)
		}
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventLedgerRecordAppended,
			AggregateType:  enums.AggregateLedgerRecord,
			Topic:          topics.Records,
			PayloadFactory: func() interface{} { return &payloads.RecordAppendedEvent{} },
		},
		{
			EventType:      enums.EventComplianceAlertRaised,
			AggregateType:  enums.AggregateLedgerRecord,
			Topic:          topics.Alerts,
			PayloadFactory: func() interface{} { return &payloads.ComplianceAlertEvent{} },
		},
		{
			EventType:      enums.EventLedgerChainSealed,
			AggregateType:  enums.AggregateLedgerChain,
			Topic:          topics.Lifecycle,
			PayloadFactory: func() interface{} { return &payloads.ChainSealedEvent{} },
		},
		{
			EventType:      enums.EventLedgerIntegrityFailed,
			AggregateType:  enums.AggregateLedgerChain,
			Topic:          topics.Lifecycle,
			PayloadFactory: func() interface{} { return &payloads.IntegrityFailedEvent{} },
		},
	} {
		reg.register(desc)
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Topics returns every distinct topic the registry routes to.
func (r *EventRegistry) Topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, desc := range r.entries {
		if !seen[desc.Topic] {
			seen[desc.Topic] = true
			out = append(out, desc.Topic)
		}
	}
	return out
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if strings.TrimSpace(event.AggregateID) == "" {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	if envelope.EventType != "" && envelope.EventType != event.EventType {
		return nil, NewNonRetryableError(fmt.Errorf("envelope event type %s does not match row %s", envelope.EventType, event.EventType))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// ChainID returns the chain the decoded payload belongs to, or "" when the
// payload carries none.
func (r *ResolvedEvent) ChainID() string {
	if r == nil {
		return ""
	}
	if r.Envelope.ChainID != "" {
		return r.Envelope.ChainID
	}
	switch p := r.Payload.(type) {
	case *payloads.RecordAppendedEvent:
		return p.ChainID
	case *payloads.ComplianceAlertEvent:
		return p.ChainID
	case *payloads.ChainSealedEvent:
		return p.ChainID
	case *payloads.IntegrityFailedEvent:
		return p.ChainID
	}
	return ""
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}
