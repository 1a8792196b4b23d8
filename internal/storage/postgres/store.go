// Package postgres persists ledger chains with gorm. Every write commits
// together with the outbox rows describing it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/pkg/db"
	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
)

// Store is the durable ledger.Store. Rows in ledger_records are inserted
// once and never updated.
type Store struct {
	db       *db.Client
	outbox   *outbox.Service
	digester chain.Digester
	verifier chain.SignatureVerifier
}

var _ ledger.Store = (*Store)(nil)

// New builds a Store. verifier may be nil.
func New(client *db.Client, emitter *outbox.Service, d chain.Digester, verifier chain.SignatureVerifier) (*Store, error) {
	if client == nil {
		return nil, errors.New("db client required")
	}
	if emitter == nil {
		return nil, errors.New("outbox service required")
	}
	if d == nil {
		return nil, errors.New("digester required")
	}
	return &Store{db: client, outbox: emitter, digester: d, verifier: verifier}, nil
}

func (s *Store) Append(ctx context.Context, rec chain.Record, notes ...ledger.Notification) error {
	row, err := toRow(rec)
	if err != nil {
		return ledger.Durable("append", err)
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		state, err := lockChain(tx, rec.ChainID, true)
		if err != nil {
			return err
		}
		if state.Status == enums.ChainStatusSealed {
			return ledger.ErrLedgerSealed
		}
		head, err := latest(tx, rec.ChainID)
		if err != nil {
			return err
		}
		if rec.PreviousHash != head.Hash || rec.Sequence != head.Sequence+1 {
			return fmt.Errorf("%w: expected previous %q at sequence %d", ledger.ErrChainConflict, head.Hash, head.Sequence+1)
		}
		if err := tx.Create(&row).Error; err != nil {
			if db.IsUniqueViolation(err, "") {
				return fmt.Errorf("%w: %v", ledger.ErrChainConflict, err)
			}
			return err
		}
		return s.emit(ctx, tx, notes)
	})
	return classify("append", err)
}

func (s *Store) LatestHash(ctx context.Context, chainID string) (ledger.Head, error) {
	head, err := latest(s.db.DB().WithContext(ctx), chainID)
	return head, classify("latest hash", err)
}

func (s *Store) Records(ctx context.Context, chainID string) ([]chain.Record, error) {
	return s.QueryRecords(ctx, chainID, ledger.AuditQuery{})
}

// VerifyChain decodes rows one at a time. A row whose payload no longer
// decodes is reported as tampered at its index instead of failing the read.
func (s *Store) VerifyChain(ctx context.Context, chainID string) (chain.Report, error) {
	var rows []models.LedgerRecord
	err := s.db.DB().WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return chain.Report{}, classify("verify", err)
	}

	records := make([]chain.Record, 0, len(rows))
	for i, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			report := chain.Verify(chainID, records, s.digester, s.verifier)
			if !report.Valid {
				return report, nil
			}
			return report.Unencodable(i, row.Sequence, row.EventHash, err.Error()), nil
		}
		records = append(records, rec)
	}
	return chain.Verify(chainID, records, s.digester, s.verifier), nil
}

// QueryRecords filters in SQL. SQLite stores timestamps as text, so time
// bounds and the limit are applied in Go there.
func (s *Store) QueryRecords(ctx context.Context, chainID string, q ledger.AuditQuery) ([]chain.Record, error) {
	conn := s.db.DB().WithContext(ctx)
	native := db.IsPostgres(conn)
	query := conn.Where("chain_id = ?", chainID)
	if q.EntityID != "" {
		query = query.Where("entity_id = ?", q.EntityID)
	}
	if q.AfterSequence > 0 {
		query = query.Where("seq > ?", q.AfterSequence)
	}
	if native {
		if q.Start != nil {
			query = query.Where("recorded_at >= ?", q.Start.UTC())
		}
		if q.End != nil {
			query = query.Where("recorded_at <= ?", q.End.UTC())
		}
		if q.Limit > 0 {
			query = query.Limit(q.Limit)
		}
	}

	var rows []models.LedgerRecord
	if err := query.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, classify("query", err)
	}

	out := make([]chain.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, ledger.Durable("query", err)
		}
		if !q.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MerkleRoot(ctx context.Context, chainID string) (string, error) {
	var hashes []string
	err := s.db.DB().WithContext(ctx).
		Model(&models.LedgerRecord{}).
		Where("chain_id = ?", chainID).
		Order("seq ASC").
		Pluck("event_hash", &hashes).Error
	if err != nil {
		return "", classify("merkle root", err)
	}
	return chain.MerkleRoot(hashes, s.digester)
}

func (s *Store) ChainStatus(ctx context.Context, chainID string) (enums.ChainStatus, error) {
	var row models.LedgerChain
	err := s.db.DB().WithContext(ctx).Where("chain_id = ?", chainID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return enums.ChainStatusActive, nil
	}
	if err != nil {
		return "", classify("chain status", err)
	}
	return row.Status, nil
}

func (s *Store) Seal(ctx context.Context, chainID string, at time.Time, notes ...ledger.Notification) (bool, error) {
	var changed bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		state, err := lockChain(tx, chainID, true)
		if err != nil {
			return err
		}
		if state.Status == enums.ChainStatusSealed {
			return nil
		}
		res := tx.Model(&models.LedgerChain{}).
			Where("chain_id = ? AND status = ?", chainID, enums.ChainStatusActive).
			Updates(map[string]any{
				"status":    enums.ChainStatusSealed,
				"sealed_at": at.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected == 1
		if !changed {
			return nil
		}
		return s.emit(ctx, tx, notes)
	})
	if err != nil {
		return false, classify("seal", err)
	}
	return changed, nil
}

func (s *Store) ListChains(ctx context.Context) ([]ledger.ChainInfo, error) {
	conn := s.db.DB().WithContext(ctx)
	var chains []models.LedgerChain
	if err := conn.Order("chain_id ASC").Find(&chains).Error; err != nil {
		return nil, classify("list chains", err)
	}

	type tally struct {
		ChainID string
		Records int64
	}
	var tallies []tally
	err := conn.Model(&models.LedgerRecord{}).
		Select("chain_id, COUNT(*) AS records").
		Group("chain_id").
		Scan(&tallies).Error
	if err != nil {
		return nil, classify("list chains", err)
	}
	counts := make(map[string]int64, len(tallies))
	for _, t := range tallies {
		counts[t.ChainID] = t.Records
	}

	out := make([]ledger.ChainInfo, 0, len(chains))
	for _, c := range chains {
		info := ledger.ChainInfo{
			ChainID:   c.ChainID,
			Status:    c.Status,
			Records:   counts[c.ChainID],
			CreatedAt: c.CreatedAt.UTC(),
		}
		if c.SealedAt != nil {
			sealedAt := c.SealedAt.UTC()
			info.SealedAt = &sealedAt
		}
		if info.Records > 0 {
			head, err := latest(conn, c.ChainID)
			if err != nil {
				return nil, classify("list chains", err)
			}
			info.Head = head.Hash
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Store) Notify(ctx context.Context, notes ...ledger.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.emit(ctx, tx, notes)
	})
	return classify("notify", err)
}

func (s *Store) emit(ctx context.Context, tx *gorm.DB, notes []ledger.Notification) error {
	batch := make([]outbox.DomainEvent, len(notes))
	for i, note := range notes {
		batch[i] = outbox.DomainEvent{
			EventType:     note.Type,
			AggregateType: note.AggregateType,
			AggregateID:   note.AggregateID,
			ChainID:       note.ChainID,
			Data:          note.Data,
			OccurredAt:    note.OccurredAt,
		}
	}
	return s.outbox.Emit(ctx, tx, batch...)
}

// lockChain loads the chain row, creating it when asked. On Postgres the row
// stays locked until the transaction ends, serialising writers across
// processes.
func lockChain(tx *gorm.DB, chainID string, create bool) (models.LedgerChain, error) {
	if create {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.LedgerChain{ChainID: chainID, Status: enums.ChainStatusActive}).Error
		if err != nil {
			return models.LedgerChain{}, err
		}
	}
	query := tx
	if db.IsPostgres(tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row models.LedgerChain
	err := query.Where("chain_id = ?", chainID).Take(&row).Error
	return row, err
}

func latest(conn *gorm.DB, chainID string) (ledger.Head, error) {
	var rows []models.LedgerRecord
	err := conn.Select("event_hash", "seq").
		Where("chain_id = ?", chainID).
		Order("seq DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return ledger.Head{}, err
	}
	return ledger.Head{Hash: rows[0].EventHash, Sequence: rows[0].Sequence}, nil
}

// classify leaves ledger sentinels and context errors untouched and splits
// everything else into transient and durable storage failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrLedgerSealed) || errors.Is(err, ledger.ErrChainConflict) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var storageErr *ledger.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	if db.IsTransient(err) {
		return ledger.Transient(op, err)
	}
	return ledger.Durable(op, err)
}

func toRow(rec chain.Record) (models.LedgerRecord, error) {
	if rec.Event == nil {
		return models.LedgerRecord{}, errors.New("record has no event")
	}
	payload, err := events.Marshal(rec.Event)
	if err != nil {
		return models.LedgerRecord{}, err
	}
	return models.LedgerRecord{
		ID:             uuid.New(),
		ChainID:        rec.ChainID,
		Sequence:       rec.Sequence,
		EventHash:      rec.Hash,
		PreviousHash:   optional(rec.PreviousHash),
		EventType:      rec.Event.Type(),
		EntityID:       rec.Event.EntityID(),
		Event:          payload,
		Metadata:       rec.Metadata,
		RecordedAt:     rec.Timestamp.UTC(),
		Signature:      optional(rec.Signature),
		SignatureKeyID: optional(rec.SignatureKeyID),
	}, nil
}

func fromRow(row models.LedgerRecord) (chain.Record, error) {
	ev, err := events.Unmarshal(row.Event)
	if err != nil {
		return chain.Record{}, fmt.Errorf("decode record %s: %w", row.EventHash, err)
	}
	return chain.Record{
		Hash:           row.EventHash,
		ChainID:        row.ChainID,
		Sequence:       row.Sequence,
		Event:          ev,
		Metadata:       row.Metadata,
		Timestamp:      row.RecordedAt.UTC(),
		PreviousHash:   deref(row.PreviousHash),
		Signature:      deref(row.Signature),
		SignatureKeyID: deref(row.SignatureKeyID),
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
