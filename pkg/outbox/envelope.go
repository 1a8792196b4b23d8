package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// SchemaVersion is the envelope layout written by this build. Consumers
// reject envelopes newer than the version they understand.
const SchemaVersion = 1

// PayloadEnvelope is what outbox_events.payload holds and what brokers
// deliver. EventID equals the outbox row id, so a redelivered message
// carries the same id as the original.
type PayloadEnvelope struct {
	SchemaVersion int                   `json:"schema_version"`
	EventID       string                `json:"event_id"`
	EventType     enums.OutboxEventType `json:"event_type"`
	ChainID       string                `json:"chain_id,omitempty"`
	OccurredAt    time.Time             `json:"occurred_at"`
	Data          json.RawMessage       `json:"data"`
}

// DecodeEnvelope parses a stored payload and checks its schema version.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SchemaVersion < 1 || env.SchemaVersion > SchemaVersion {
		return PayloadEnvelope{}, fmt.Errorf("unsupported envelope schema version %d", env.SchemaVersion)
	}
	return env, nil
}
