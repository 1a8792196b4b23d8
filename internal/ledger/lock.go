package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// ChainLock provides the per-chain exclusive section shared by append and
// seal. Lock blocks until the section is owned or ctx ends.
type ChainLock interface {
	Lock(ctx context.Context, chainID string) (unlock func(), err error)
}

// LocalLocks serialises writers within one process.
type LocalLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{slots: make(map[string]chan struct{})}
}

func (l *LocalLocks) slot(chainID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[chainID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[chainID] = slot
	}
	return slot
}

func (l *LocalLocks) Lock(ctx context.Context, chainID string) (func(), error) {
	slot := l.slot(chainID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// leaseClient is the slice of the redis client RedisLocks needs.
type leaseClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) (bool, error)
}

// RedisLocks extends LocalLocks across processes with a Redis SETNX lease,
// so replicas sharing one store still admit a single writer per chain.
type RedisLocks struct {
	local  *LocalLocks
	client leaseClient
	keyFor func(chainID string) string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocks constructs a distributed chain lock. keyFor maps a chain id
// onto its Redis key.
func NewRedisLocks(client leaseClient, keyFor func(string) string, ttl time.Duration) (*RedisLocks, error) {
	if client == nil {
		return nil, errors.New("redis client required for chain lock")
	}
	if keyFor == nil {
		return nil, errors.New("lock key builder is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocks{
		local:  NewLocalLocks(),
		client: client,
		keyFor: keyFor,
		ttl:    ttl,
		retry:  defaultLockRetry,
	}, nil
}

func (l *RedisLocks) Lock(ctx context.Context, chainID string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, chainID)
	if err != nil {
		return nil, err
	}
	key := l.keyFor(chainID)
	owner := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl)
		if err != nil {
			unlockLocal()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, Transient("lock", fmt.Errorf("setnx: %w", err))
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = l.client.ReleaseLease(releaseCtx, key, owner)
			unlockLocal()
		})
	}, nil
}
