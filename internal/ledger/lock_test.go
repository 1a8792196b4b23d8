package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
)

type leaseStore struct {
	mu     sync.Mutex
	leases map[string]string
	err    error
}

func newLeaseStore() *leaseStore { return &leaseStore{leases: map[string]string{}} }

func (s *leaseStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, held := s.leases[key]; held {
		return false, nil
	}
	s.leases[key] = value.(string)
	return true, nil
}

func (s *leaseStore) ReleaseLease(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[key] != owner {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *leaseStore) owner(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[key]
}

func (s *leaseStore) held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.leases[key]
	return ok
}

func chainKey(chainID string) string { return "ledger:lock:chain:" + chainID }

func TestRedisLocksExcludeAcrossReplicas(t *testing.T) {
	store := newLeaseStore()
	a, err := NewRedisLocks(store, chainKey, time.Minute)
	if err != nil {
		t.Fatalf("new locks: %v", err)
	}
	b, _ := NewRedisLocks(store, chainKey, time.Minute)
	a.retry, b.retry = time.Millisecond, time.Millisecond

	unlockA, err := a.Lock(context.Background(), "payments")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := b.Lock(context.Background(), "payments")
		if err != nil {
			t.Errorf("lock b: %v", err)
			close(acquired)
			return
		}
		acquired <- unlock
	}()

	select {
	case <-acquired:
		t.Fatal("second replica entered a held chain")
	case <-time.After(20 * time.Millisecond):
	}

	// other chains are independent
	unlockOther, err := b.Lock(context.Background(), "audit")
	if err != nil {
		t.Fatalf("lock other chain: %v", err)
	}
	unlockOther()

	unlockA()
	unlockA()
	select {
	case unlockB := <-acquired:
		if unlockB == nil {
			t.FailNow()
		}
		unlockB()
	case <-time.After(time.Second):
		t.Fatal("second replica never acquired the released chain")
	}
	if store.held(chainKey("payments")) {
		t.Fatal("lease left behind after unlock")
	}
}

func TestRedisLocksHonourDeadline(t *testing.T) {
	store := newLeaseStore()
	store.leases[chainKey("payments")] = "other-replica"
	locks, _ := NewRedisLocks(store, chainKey, time.Minute)
	locks.retry = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locks.Lock(ctx, "payments"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
	// the local slot was given back
	unlock, err := locks.local.Lock(context.Background(), "payments")
	if err != nil {
		t.Fatalf("local slot leaked: %v", err)
	}
	unlock()
}

func TestRedisLocksReportTransientStoreFailure(t *testing.T) {
	store := newLeaseStore()
	store.err = errors.New("connection reset")
	locks, _ := NewRedisLocks(store, chainKey, time.Minute)

	_, err := locks.Lock(context.Background(), "payments")
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || !storageErr.Transient {
		t.Fatalf("expected transient storage error got %v", err)
	}
	if code := pkgerrors.CodeOf(translate("append", err)); code != pkgerrors.CodeStorageTransient {
		t.Fatalf("expected STORAGE_TRANSIENT got %s (%v)", code, err)
	}
}

func TestRedisLocksKeepForeignLease(t *testing.T) {
	store := newLeaseStore()
	locks, _ := NewRedisLocks(store, chainKey, time.Minute)
	unlock, err := locks.Lock(context.Background(), "payments")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// lease expired and was taken over
	store.mu.Lock()
	store.leases[chainKey("payments")] = "other-replica"
	store.mu.Unlock()
	unlock()
	if v := store.owner(chainKey("payments")); v != "other-replica" {
		t.Fatalf("released a lease owned by another replica: %q", v)
	}
}

func TestNewRedisLocksValidation(t *testing.T) {
	if _, err := NewRedisLocks(nil, chainKey, 0); err == nil {
		t.Fatal("expected nil client to fail")
	}
	if _, err := NewRedisLocks(newLeaseStore(), nil, 0); err == nil {
		t.Fatal("expected nil key builder to fail")
	}
}
