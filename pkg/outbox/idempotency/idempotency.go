package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

// Guard remembers outbox rows that already reached the broker so a row whose
// published mark was lost with a rolled back transaction is not sent twice.
// Keys follow the `ledger:idempotency:outbox:<consumer>:<event_id>` pattern.
type Guard struct {
	store    redis.IdempotencyStore
	consumer string
	ttl      time.Duration
}

// NewGuard builds a guard whose marks expire after ttl. A zero ttl keeps
// marks forever.
func NewGuard(store redis.IdempotencyStore, consumer string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Guard{store: store, consumer: consumer, ttl: ttl}, nil
}

// Delivered reports whether eventID was marked by a previous publish.
func (g *Guard) Delivered(ctx context.Context, eventID uuid.UUID) (bool, error) {
	key, err := g.key(eventID)
	if err != nil {
		return false, err
	}
	_, err = g.store.Get(ctx, key)
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDelivered records a successful publish of eventID. Marking twice is not an error.
func (g *Guard) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	_, err = g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl)
	return err
}

func (g *Guard) Forget(ctx context.Context, eventID uuid.UUID) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(eventID uuid.UUID) (string, error) {
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey(fmt.Sprintf("outbox:%s", g.consumer), eventID.String()), nil
}
