package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

func record(t *testing.T, chainID string, seq int64, prev string) chain.Record {
	t.Helper()
	rec := chain.Record{
		ChainID:  chainID,
		Sequence: seq,
		Event: &events.AuditLog{
			LogID:     "log-1",
			Action:    "login",
			Actor:     "ops",
			Resource:  "console",
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Timestamp:    time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
		PreviousHash: prev,
	}
	hash, err := chain.IdentityHash(rec.Content(), chain.SHA256{})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	rec.Hash = hash
	return rec
}

func TestAppendRejectsStaleHead(t *testing.T) {
	ctx := context.Background()
	store := New(chain.SHA256{}, nil)
	first := record(t, "c1", 1, "")
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	if err := store.Append(ctx, record(t, "c1", 1, "")); !errors.Is(err, ledger.ErrChainConflict) {
		t.Fatalf("second genesis must conflict, got %v", err)
	}
	if err := store.Append(ctx, record(t, "c1", 3, first.Hash)); !errors.Is(err, ledger.ErrChainConflict) {
		t.Fatalf("sequence gap must conflict, got %v", err)
	}
	if err := store.Append(ctx, record(t, "c1", 2, first.Hash)); err != nil {
		t.Fatalf("append successor: %v", err)
	}
	head, err := store.LatestHash(ctx, "c1")
	if err != nil || head.Sequence != 2 {
		t.Fatalf("unexpected head %+v err=%v", head, err)
	}
}

func TestSealedChainRejectsAppend(t *testing.T) {
	ctx := context.Background()
	store := New(chain.SHA256{}, nil)
	changed, err := store.Seal(ctx, "c1", time.Now())
	if err != nil || !changed {
		t.Fatalf("seal: changed=%v err=%v", changed, err)
	}
	if changed, _ := store.Seal(ctx, "c1", time.Now()); changed {
		t.Fatal("second seal must report no change")
	}
	if err := store.Append(ctx, record(t, "c1", 1, "")); !errors.Is(err, ledger.ErrLedgerSealed) {
		t.Fatalf("expected ErrLedgerSealed got %v", err)
	}
	status, _ := store.ChainStatus(ctx, "c1")
	if status != enums.ChainStatusSealed {
		t.Fatalf("unexpected status %s", status)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	store := New(chain.SHA256{}, nil)
	if err := store.Append(ctx, record(t, "c1", 1, "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, _ := store.Records(ctx, "c1")
	records[0].Event.(*events.AuditLog).Action = "rewritten"
	records[0].Hash = "bogus"

	report, err := store.VerifyChain(ctx, "c1")
	if err != nil || !report.Valid {
		t.Fatalf("reader mutation changed stored data: %+v err=%v", report, err)
	}
}

func TestUnknownChainIsEmptyAndActive(t *testing.T) {
	ctx := context.Background()
	store := New(chain.SHA256{}, nil)
	root, err := store.MerkleRoot(ctx, "nope")
	if err != nil || root != "" {
		t.Fatalf("root %q err=%v", root, err)
	}
	records, err := store.Records(ctx, "nope")
	if err != nil || len(records) != 0 {
		t.Fatalf("records %v err=%v", records, err)
	}
	status, _ := store.ChainStatus(ctx, "nope")
	if status != enums.ChainStatusActive {
		t.Fatalf("unexpected status %s", status)
	}
	report, _ := store.VerifyChain(ctx, "nope")
	if !report.Valid || report.RecordsChecked != 0 {
		t.Fatalf("empty chain must verify: %+v", report)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := New(chain.SHA256{}, nil)
	if err := store.Append(ctx, record(t, "c1", 1, "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
