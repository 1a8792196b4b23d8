package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 500
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
	CountPending(ctx context.Context) (int64, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publisherMetrics interface {
	IncPublished(enums.OutboxEventType)
	IncFailed(enums.OutboxEventType)
	IncDeadLettered(enums.OutboxEventType, enums.OutboxDLQErrorReason)
	SetPending(int64)
}

// deliveryGuard remembers rows that reached the broker but may not have been
// marked published.
type deliveryGuard interface {
	Delivered(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Publisher     outbox.Publisher
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       publisherMetrics
	// Guard is optional.
	Guard deliveryGuard
}

// Service drains outbox rows to the configured broker. Rows of one chain are
// published in insertion order with the chain id as the ordering key.
type Service struct {
	broker       string
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	publisher    outbox.Publisher
	registry     registryResolver
	dlq          dlqRepository
	metrics      publisherMetrics
	guard        deliveryGuard
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(p ServiceParams) (*Service, error) {
	for _, dep := range []struct {
		name    string
		missing bool
	}{
		{"config", p.Config == nil},
		{"logger", p.Logger == nil},
		{"database client", p.DB == nil},
		{"broker publisher", p.Publisher == nil},
		{"outbox repository", p.Repository == nil},
		{"event registry", p.Registry == nil},
		{"dlq repository", p.DLQRepository == nil},
	} {
		if dep.missing {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	oc := p.Config.Outbox
	return &Service{
		broker:       p.Config.Eventing.Broker,
		logg:         p.Logger,
		db:           p.DB,
		repo:         p.Repository,
		publisher:    p.Publisher,
		registry:     p.Registry,
		dlq:          p.DLQRepository,
		metrics:      p.Metrics,
		guard:        p.Guard,
		batchSize:    positiveOr(oc.BatchSize, defaultBatchSize),
		maxAttempts:  positiveOr(oc.MaxAttempts, defaultMaxAttempts),
		pollInterval: time.Duration(positiveOr(oc.PollIntervalMS, defaultPollMs)) * time.Millisecond,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run polls until ctx ends. An empty batch waits one poll interval; a failed
// batch waits an exponentially growing, jittered delay capped at maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	for _, dep := range []struct {
		name string
		ping func(context.Context) error
	}{{"database", s.db.Ping}, {s.broker, s.publisher.Ping}} {
		if err := dep.ping(ctx); err != nil {
			s.logg.Error(ctx, dep.name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}

	delay := s.pollInterval
	for ctx.Err() == nil {
		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			delay = nextBackoff(delay, s.pollInterval, maxBackoff)
		case processed:
			delay = s.pollInterval
			continue
		default:
			delay = s.pollInterval
			s.reportPending(ctx)
		}
		if err := sleepCtx(ctx, withJitter(delay)); err != nil {
			break
		}
	}
	s.logg.Info(ctx, "outbox publisher stopping")
	return ctx.Err()
}

func (s *Service) reportPending(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	pending, err := s.repo.CountPending(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox pending count failed")
		return
	}
	s.metrics.SetPending(pending)
}

// processBatch publishes one locked batch inside a transaction and reports
// whether any rows were found.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		processed = len(events) > 0
		// chains with a failed row in this batch
		held := make(map[string]struct{})
		for _, event := range events {
			if err := s.dispatch(ctx, tx, event, held); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// dispatch settles a single row: published, retried later, or dead-lettered.
// Only bookkeeping failures are returned; they abort the batch.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, held map[string]struct{}) error {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, s.eventFields(event, outbox.PayloadEnvelope{}, ""))
	}

	key := partitionKey(event, resolved)
	fields := s.eventFields(event, resolved.Envelope, resolved.Descriptor.Topic)
	if _, ok := held[key]; ok {
		s.logg.Debug(s.logg.WithFields(ctx, fields), "outbox event deferred behind failed predecessor")
		return nil
	}
	if s.alreadyDelivered(ctx, event, fields) {
		return s.markPublished(tx, event)
	}

	pubErr := s.publishResolved(ctx, event, resolved, key)
	if pubErr == nil {
		if s.guard != nil {
			if err := s.guard.MarkDelivered(ctx, event.ID); err != nil {
				s.warn(ctx, fields, err, "outbox delivery mark failed")
			}
		}
		if err := s.markPublished(tx, event); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.IncPublished(event.EventType)
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
		return nil
	}

	var nonRetry registry.NonRetryableError
	if errors.As(pubErr, &nonRetry) {
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, pubErr, fields)
	}
	attempt := event.AttemptCount + 1
	fields["attempt_count"] = attempt
	if attempt >= s.maxAttempts {
		return s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", pubErr), fields)
	}

	held[key] = struct{}{}
	if s.metrics != nil {
		s.metrics.IncFailed(event.EventType)
	}
	s.warn(ctx, fields, pubErr, "outbox publish failed")
	if err := s.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) markPublished(tx *gorm.DB, event models.OutboxEvent) error {
	if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
		return fmt.Errorf("mark published %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) warn(ctx context.Context, fields map[string]any, err error, msg string) {
	ctx = s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())
	s.logg.Warn(ctx, msg)
}

// alreadyDelivered consults the guard. Guard failures fall back to publishing;
// subscribers dedupe on event_id.
func (s *Service) alreadyDelivered(ctx context.Context, event models.OutboxEvent, fields map[string]any) bool {
	if s.guard == nil {
		return false
	}
	delivered, err := s.guard.Delivered(ctx, event.ID)
	if err != nil {
		s.warn(ctx, fields, err, "outbox delivery guard unavailable")
		return false
	}
	if delivered {
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event already delivered")
	}
	return delivered
}

// deadLetter parks the row in outbox_dlq and stops further attempts on it.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	s.warn(ctx, fields, cause, "outbox event will not be retried")

	msg := cause.Error()
	if err := s.dlq.InsertTx(tx, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	if s.metrics != nil {
		s.metrics.IncDeadLettered(event.EventType, reason)
	}
	return nil
}

// partitionKey orders delivery per chain; rows without one fall back to their
// aggregate.
func partitionKey(event models.OutboxEvent, resolved *registry.ResolvedEvent) string {
	if chainID := resolved.ChainID(); chainID != "" {
		return chainID
	}
	return event.AggregateID
}

func (s *Service) publishResolved(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent, key string) error {
	topic := resolved.Descriptor.Topic
	if topic == "" {
		return registry.NewNonRetryableError(fmt.Errorf("no topic configured for %s", event.EventType))
	}
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID,
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		"schema_version": strconv.Itoa(resolved.Envelope.SchemaVersion),
	}
	if chainID := resolved.ChainID(); chainID != "" {
		attrs["chain_id"] = chainID
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.publisher.Publish(ctx, outbox.Message{Topic: topic, Key: key, Data: event.Payload, Attributes: attrs})
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"attempt_count":  event.AttemptCount,
		"batch_size":     s.batchSize,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if envelope.ChainID != "" {
		fields["chain_id"] = envelope.ChainID
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextBackoff doubles current, starting from base, up to ceiling.
func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, ceiling)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(jitterWindow)
}
