package models

import (
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// LedgerChain tracks the lifecycle of one chain. The row is created by the
// first append or seal and is locked by writers on Postgres.
type LedgerChain struct {
	ChainID   string            `gorm:"column:chain_id;primaryKey"`
	Status    enums.ChainStatus `gorm:"column:status;not null;default:active"`
	SealedAt  *time.Time        `gorm:"column:sealed_at"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (LedgerChain) TableName() string { return "ledger_chains" }
