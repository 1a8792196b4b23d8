package ledger

import (
	"context"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// Head is the tip of a chain. An empty chain has a zero Head.
type Head struct {
	Hash     string
	Sequence int64
}

// AuditQuery filters an audit trail. All set fields must match; time bounds
// are inclusive and apply to the admission timestamp.
type AuditQuery struct {
	EntityID string
	Start    *time.Time
	End      *time.Time
	// AfterSequence and Limit page through large trails. Zero values mean
	// "from the start" and "no limit".
	AfterSequence int64
	Limit         int
}

// Matches reports whether rec satisfies every filter of q except paging.
func (q AuditQuery) Matches(rec chain.Record) bool {
	if q.EntityID != "" && rec.Event.EntityID() != q.EntityID {
		return false
	}
	if q.Start != nil && rec.Timestamp.Before(*q.Start) {
		return false
	}
	if q.End != nil && rec.Timestamp.After(*q.End) {
		return false
	}
	return rec.Sequence > q.AfterSequence
}

// ChainInfo summarises a stored chain.
type ChainInfo struct {
	ChainID   string            `json:"chain_id"`
	Status    enums.ChainStatus `json:"status"`
	Records   int64             `json:"records"`
	Head      string            `json:"head,omitempty"`
	SealedAt  *time.Time        `json:"sealed_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is a domain event persisted together with the write that
// produced it. Durable stores route these through the outbox, keyed by
// ChainID so one chain's notifications stay ordered.
type Notification struct {
	Type          enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	ChainID       string
	OccurredAt    time.Time
	Data          any
}

// Store is the append-only persistence contract of a ledger. Implementations
// never update or delete records. Append must reject a record whose
// PreviousHash does not equal the current head with ErrChainConflict.
type Store interface {
	Append(ctx context.Context, rec chain.Record, notes ...Notification) error
	LatestHash(ctx context.Context, chainID string) (Head, error)
	Records(ctx context.Context, chainID string) ([]chain.Record, error)
	VerifyChain(ctx context.Context, chainID string) (chain.Report, error)
	QueryRecords(ctx context.Context, chainID string, q AuditQuery) ([]chain.Record, error)
	MerkleRoot(ctx context.Context, chainID string) (string, error)

	ChainStatus(ctx context.Context, chainID string) (enums.ChainStatus, error)
	// Seal marks the chain sealed. It reports false when the chain was
	// already sealed, in which case notes are not persisted.
	Seal(ctx context.Context, chainID string, at time.Time, notes ...Notification) (bool, error)
	ListChains(ctx context.Context) ([]ChainInfo, error)
	// Notify persists notes that are not tied to a record or seal.
	Notify(ctx context.Context, notes ...Notification) error
}
