package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// LedgerRecord is one admitted event. Rows are inserted once and never updated.
type LedgerRecord struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	ChainID        string          `gorm:"column:chain_id;not null"`
	Sequence       int64           `gorm:"column:seq;not null"`
	EventHash      string          `gorm:"column:event_hash;not null"`
	PreviousHash   *string         `gorm:"column:previous_hash"`
	EventType      enums.EventType `gorm:"column:event_type;not null"`
	EntityID       string          `gorm:"column:entity_id;not null"`
	Event          json.RawMessage `gorm:"column:event;type:jsonb;serializer:json;not null"`
	Metadata       JSONMap         `gorm:"column:metadata;type:jsonb"`
	RecordedAt     time.Time       `gorm:"column:recorded_at;not null"`
	Signature      *string         `gorm:"column:signature"`
	SignatureKeyID *string         `gorm:"column:signature_key_id"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerRecord) TableName() string { return "ledger_records" }
