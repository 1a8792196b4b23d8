package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

type fakeStore struct {
	values  map[string]string
	getErr  error
	lastTTL time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", redis.ErrNil
	}
	return v, nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastTTL = ttl
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "ledger:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}

func TestGuardMarksDelivery(t *testing.T) {
	store := newFakeStore()
	guard, err := NewGuard(store, "outbox-publisher", 48*time.Hour)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	ctx := context.Background()
	eventID := uuid.New()

	delivered, err := guard.Delivered(ctx, eventID)
	if err != nil || delivered {
		t.Fatalf("fresh event: delivered=%v err=%v", delivered, err)
	}
	if err := guard.MarkDelivered(ctx, eventID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := guard.MarkDelivered(ctx, eventID); err != nil {
		t.Fatalf("second mark must not fail: %v", err)
	}
	if store.lastTTL != 48*time.Hour {
		t.Fatalf("unexpected ttl %v", store.lastTTL)
	}
	if _, ok := store.values["ledger:idempotency:outbox:outbox-publisher:"+eventID.String()]; !ok {
		t.Fatalf("unexpected keys %v", store.values)
	}

	delivered, err = guard.Delivered(ctx, eventID)
	if err != nil || !delivered {
		t.Fatalf("marked event: delivered=%v err=%v", delivered, err)
	}

	if err := guard.Forget(ctx, eventID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if delivered, _ := guard.Delivered(ctx, eventID); delivered {
		t.Fatal("expected mark to be removed")
	}
}

func TestGuardPropagatesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("redis down")
	guard, _ := NewGuard(store, "outbox-publisher", time.Hour)

	if _, err := guard.Delivered(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected store error")
	}
}

func TestGuardValidation(t *testing.T) {
	if _, err := NewGuard(nil, "c", time.Hour); err == nil {
		t.Fatal("expected nil store to fail")
	}
	if _, err := NewGuard(newFakeStore(), "", time.Hour); err == nil {
		t.Fatal("expected empty consumer to fail")
	}
	if _, err := NewGuard(newFakeStore(), "c", -time.Second); err == nil {
		t.Fatal("expected negative ttl to fail")
	}
	guard, _ := NewGuard(newFakeStore(), "c", 0)
	if err := guard.MarkDelivered(context.Background(), uuid.Nil); err == nil {
		t.Fatal("expected nil event id to fail")
	}
}
