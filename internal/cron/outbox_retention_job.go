package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

const (
	outboxRetentionDays = 30
	outboxMinAttempts   = 10
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

type deadLetterPurger interface {
	PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	// DeadLetters is optional; when set, dead letters past the window are
	// purged in the same transaction.
	DeadLetters deadLetterPurger
	// Retention is in days.
	Retention int
	// MinAttempts marks unpublished rows as parked; it should match the
	// publisher's max attempts.
	MinAttempts int
}

// NewOutboxRetentionJob prunes ledger notifications that were delivered, or
// parked after exhausting their attempts, before the retention window.
func NewOutboxRetentionJob(p OutboxRetentionJobParams) (Job, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger required")
	case p.DB == nil:
		return nil, errors.New("db runner required")
	case p.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:        p.Logger,
		db:          p.DB,
		repo:        p.Repository,
		deadLetters: p.DeadLetters,
		retention:   outboxRetentionDays,
		minAttempts: outboxMinAttempts,
		now:         time.Now,
	}
	if p.Retention > 0 {
		job.retention = p.Retention
	}
	if p.MinAttempts > 0 {
		job.minAttempts = p.MinAttempts
	}
	return job, nil
}

type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxRetentionRepo
	deadLetters deadLetterPurger
	retention   int
	minAttempts int
	now         func() time.Time
}

// retentionSweep is what one run removed.
type retentionSweep struct {
	cutoff  time.Time
	deleted int64
	purged  int64
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.retention)
}

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	sweep := retentionSweep{cutoff: j.cutoff()}
	err := j.db.WithTx(ctx, func(tx *gorm.DB) (err error) {
		if sweep.deleted, err = j.repo.DeletePublishedBefore(ctx, tx, sweep.cutoff, j.minAttempts); err != nil {
			return err
		}
		if j.deadLetters != nil {
			sweep.purged, err = j.deadLetters.PurgeBefore(ctx, tx, sweep.cutoff)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	j.report(ctx, sweep)
	return nil
}

// report logs the sweep with the remaining backlog. A failed count only
// costs the backlog field.
func (j *outboxRetentionJob) report(ctx context.Context, sweep retentionSweep) {
	ctx = j.logg.WithFields(ctx, map[string]any{
		"cutoff":         sweep.cutoff,
		"retention_days": j.retention,
		"min_attempts":   j.minAttempts,
		"rows_deleted":   sweep.deleted,
		"dlq_purged":     sweep.purged,
	})
	pending, err := j.repo.CountPending(ctx)
	if err != nil {
		j.logg.Warn(j.logg.WithField(ctx, "error", err.Error()), "count pending outbox rows failed")
	} else {
		ctx = j.logg.WithField(ctx, "rows_pending", pending)
	}
	j.logg.Info(ctx, "outbox retention cleanup complete")
}
