// Package memory is a process-local ledger.Store used for tests, local
// development and the memory storage backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

type chainState struct {
	records   []chain.Record
	byHash    map[string]int
	status    enums.ChainStatus
	sealedAt  *time.Time
	createdAt time.Time
}

// Store keeps records in memory. Readers get copies, so stored records
// cannot be changed through returned values.
type Store struct {
	digester chain.Digester
	verifier chain.SignatureVerifier
	clock    func() time.Time

	mu     sync.RWMutex
	chains map[string]*chainState
	notes  []ledger.Notification
}

var _ ledger.Store = (*Store)(nil)

// New builds an empty store. verifier may be nil.
func New(d chain.Digester, verifier chain.SignatureVerifier) *Store {
	return &Store{
		digester: d,
		verifier: verifier,
		clock:    time.Now,
		chains:   make(map[string]*chainState),
	}
}

func (s *Store) state(chainID string, create bool) *chainState {
	st, ok := s.chains[chainID]
	if !ok && create {
		st = &chainState{
			byHash:    make(map[string]int),
			status:    enums.ChainStatusActive,
			createdAt: s.clock().UTC(),
		}
		s.chains[chainID] = st
	}
	return st
}

func (s *Store) Append(ctx context.Context, rec chain.Record, notes ...ledger.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, err := cloneRecord(rec)
	if err != nil {
		return ledger.Durable("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(rec.ChainID, true)
	if st.status == enums.ChainStatusSealed {
		return ledger.ErrLedgerSealed
	}
	var head chain.Record
	if n := len(st.records); n > 0 {
		head = st.records[n-1]
	}
	if rec.PreviousHash != head.Hash || rec.Sequence != head.Sequence+1 {
		return fmt.Errorf("%w: expected previous %q at sequence %d", ledger.ErrChainConflict, head.Hash, head.Sequence+1)
	}
	if _, dup := st.byHash[rec.Hash]; dup {
		return ledger.Durable("append", fmt.Errorf("duplicate record hash %s", rec.Hash))
	}
	st.byHash[rec.Hash] = len(st.records)
	st.records = append(st.records, stored)
	s.notes = append(s.notes, notes...)
	return nil
}

func (s *Store) LatestHash(ctx context.Context, chainID string) (ledger.Head, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Head{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state(chainID, false)
	if st == nil || len(st.records) == 0 {
		return ledger.Head{}, nil
	}
	last := st.records[len(st.records)-1]
	return ledger.Head{Hash: last.Hash, Sequence: last.Sequence}, nil
}

func (s *Store) Records(ctx context.Context, chainID string) ([]chain.Record, error) {
	return s.QueryRecords(ctx, chainID, ledger.AuditQuery{})
}

func (s *Store) VerifyChain(ctx context.Context, chainID string) (chain.Report, error) {
	records, err := s.Records(ctx, chainID)
	if err != nil {
		return chain.Report{}, err
	}
	return chain.Verify(chainID, records, s.digester, s.verifier), nil
}

func (s *Store) QueryRecords(ctx context.Context, chainID string, q ledger.AuditQuery) ([]chain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state(chainID, false)
	if st == nil {
		return []chain.Record{}, nil
	}
	out := make([]chain.Record, 0, len(st.records))
	for _, rec := range st.records {
		if !q.Matches(rec) {
			continue
		}
		c, err := cloneRecord(rec)
		if err != nil {
			return nil, ledger.Durable("query", err)
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MerkleRoot(ctx context.Context, chainID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	st := s.state(chainID, false)
	var hashes []string
	if st != nil {
		hashes = make([]string, len(st.records))
		for i, rec := range st.records {
			hashes[i] = rec.Hash
		}
	}
	s.mu.RUnlock()
	return chain.MerkleRoot(hashes, s.digester)
}

func (s *Store) ChainStatus(ctx context.Context, chainID string) (enums.ChainStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st := s.state(chainID, false); st != nil {
		return st.status, nil
	}
	return enums.ChainStatusActive, nil
}

func (s *Store) Seal(ctx context.Context, chainID string, at time.Time, notes ...ledger.Notification) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(chainID, true)
	if st.status == enums.ChainStatusSealed {
		return false, nil
	}
	st.status = enums.ChainStatusSealed
	sealedAt := at
	st.sealedAt = &sealedAt
	s.notes = append(s.notes, notes...)
	return true, nil
}

func (s *Store) ListChains(ctx context.Context) ([]ledger.ChainInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.ChainInfo, 0, len(s.chains))
	for id, st := range s.chains {
		info := ledger.ChainInfo{
			ChainID:   id,
			Status:    st.status,
			Records:   int64(len(st.records)),
			SealedAt:  st.sealedAt,
			CreatedAt: st.createdAt,
		}
		if n := len(st.records); n > 0 {
			info.Head = st.records[n-1].Hash
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Store) Notify(ctx context.Context, notes ...ledger.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, notes...)
	return nil
}

// Notifications returns every notification persisted so far, oldest first.
func (s *Store) Notifications() []ledger.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Notification, len(s.notes))
	copy(out, s.notes)
	return out
}

// Tamper rewrites a stored record in place, bypassing every append check.
// It simulates storage-level tampering for integrity drills.
func (s *Store) Tamper(chainID string, index int, fn func(*chain.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(chainID, false)
	if st == nil || index < 0 || index >= len(st.records) {
		return fmt.Errorf("no record %d on chain %s", index, chainID)
	}
	fn(&st.records[index])
	return nil
}

func cloneRecord(rec chain.Record) (chain.Record, error) {
	if rec.Event != nil {
		ev, err := events.Clone(rec.Event)
		if err != nil {
			return chain.Record{}, err
		}
		rec.Event = ev
	}
	if rec.Metadata != nil {
		meta := make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	return rec, nil
}
