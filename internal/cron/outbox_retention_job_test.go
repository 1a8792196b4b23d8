package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
)

func TestOutboxRetentionJobUsesCutoffAndAttempts(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	job := newOutboxRetentionJob(t, repo, OutboxRetentionJobParams{Retention: 7, MinAttempts: 3})
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.True(t, repo.lastCutoff.Equal(now.Add(-7*24*time.Hour)), "cutoff %s", repo.lastCutoff)
	require.Equal(t, 3, repo.minAttempts)
	require.Equal(t, 1, repo.called)
}

func TestOutboxRetentionJobPurgesDeadLettersWithSameCutoff(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	purger := &fakeDeadLetterPurger{}
	job := newOutboxRetentionJob(t, repo, OutboxRetentionJobParams{Retention: 7, DeadLetters: purger})
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.True(t, purger.cutoff.Equal(repo.lastCutoff), "purge cutoff %s", purger.cutoff)

	purger.err = errors.New("dlq locked")
	require.ErrorContains(t, job.Run(context.Background()), "dlq locked")
}

func TestOutboxRetentionJobDefaults(t *testing.T) {
	repo := &fakeOutboxRetentionRepo{}
	job := newOutboxRetentionJob(t, repo, OutboxRetentionJobParams{})
	require.Equal(t, outboxRetentionDays, job.retention)
	require.Equal(t, outboxMinAttempts, job.minAttempts)
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	repo := &fakeOutboxRetentionRepo{err: errors.New("boom")}
	job := newOutboxRetentionJob(t, repo, OutboxRetentionJobParams{})
	require.ErrorContains(t, job.Run(context.Background()), "boom")
}

func TestOutboxRetentionJobIgnoresPendingCountFailure(t *testing.T) {
	repo := &fakeOutboxRetentionRepo{countErr: errors.New("timeout")}
	job := newOutboxRetentionJob(t, repo, OutboxRetentionJobParams{})
	require.NoError(t, job.Run(context.Background()))
}

func TestOutboxRetentionJobAgainstSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:cron_"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.Exec(`
CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`).Error)

	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	rows := []models.OutboxEvent{
		outboxRow("old-published", old, &old, 0),
		outboxRow("recent-published", recent, &recent, 0),
		outboxRow("old-parked", old, nil, 10),
		outboxRow("old-retrying", old, nil, 2),
	}
	repo := outbox.NewRepository(conn)
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := repo.Insert(tx, row); err != nil {
				return err
			}
		}
		return nil
	}))

	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:      logger.Nop(),
		DB:          gormRunner{db: conn},
		Repository:  repo,
		MinAttempts: 10,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	var left []models.OutboxEvent
	require.NoError(t, conn.Order("aggregate_id").Find(&left).Error)
	ids := make([]string, 0, len(left))
	for _, row := range left {
		ids = append(ids, row.AggregateID)
	}
	require.Equal(t, []string{"old-retrying", "recent-published"}, ids)
}

func outboxRow(chainID string, created time.Time, published *time.Time, attempts int) models.OutboxEvent {
	return models.OutboxEvent{
		EventType:     enums.EventLedgerRecordAppended,
		AggregateType: enums.AggregateLedgerChain,
		AggregateID:   chainID,
		Payload:       []byte(`{}`),
		AttemptCount:  attempts,
		CreatedAt:     created,
		PublishedAt:   published,
	}
}

func newOutboxRetentionJob(t *testing.T, repo *fakeOutboxRetentionRepo, params OutboxRetentionJobParams) *outboxRetentionJob {
	t.Helper()
	params.Logger = logger.Nop()
	params.DB = noopTxRunner{}
	params.Repository = repo
	jobIface, err := NewOutboxRetentionJob(params)
	require.NoError(t, err)
	job, ok := jobIface.(*outboxRetentionJob)
	require.True(t, ok, "unexpected job type %T", jobIface)
	return job
}

type fakeOutboxRetentionRepo struct {
	lastCutoff  time.Time
	minAttempts int
	called      int
	err         error
	countErr    error
}

func (f *fakeOutboxRetentionRepo) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	f.called++
	f.lastCutoff = cutoff
	f.minAttempts = minAttemptCount
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

func (f *fakeOutboxRetentionRepo) CountPending(context.Context) (int64, error) {
	return 3, f.countErr
}

type fakeDeadLetterPurger struct {
	cutoff time.Time
	err    error
}

func (f *fakeDeadLetterPurger) PurgeBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 2, f.err
}

type noopTxRunner struct{}

func (noopTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type gormRunner struct {
	db *gorm.DB
}

func (r gormRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
