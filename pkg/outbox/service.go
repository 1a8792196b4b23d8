package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

// DomainEvent is a ledger notification waiting to be queued.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	ChainID       string
	Data          any
	OccurredAt    time.Time
}

// Service queues ledger notifications in the same transaction as the
// ledger write that produced them.
type Service struct {
	repo *Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg, now: time.Now}
}

// Emit validates and wraps every event before inserting any of them, so a
// bad event leaves tx untouched. Rows of one call get strictly increasing
// created_at values and are published in emit order.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, events ...DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	base := s.now().UTC().Truncate(time.Microsecond)
	rows := make([]models.OutboxEvent, 0, len(events))
	for i, event := range events {
		row, err := s.row(event)
		if err != nil {
			return fmt.Errorf("outbox event %d (%s): %w", i, event.EventType, err)
		}
		row.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		rows = append(rows, row)
	}
	for _, row := range rows {
		if err := s.repo.Insert(tx, row); err != nil {
			return err
		}
		if s.logg != nil {
			s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
				"event_id":     row.ID.String(),
				"event_type":   row.EventType,
				"aggregate_id": row.AggregateID,
			}), "outbox event queued")
		}
	}
	return nil
}

func (s *Service) row(event DomainEvent) (models.OutboxEvent, error) {
	if !event.EventType.IsValid() {
		return models.OutboxEvent{}, errors.New("unknown event type")
	}
	if event.AggregateID == "" {
		return models.OutboxEvent{}, errors.New("aggregate id required")
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode data: %w", err)
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	id := uuid.New()
	payload, err := json.Marshal(PayloadEnvelope{
		SchemaVersion: SchemaVersion,
		EventID:       id.String(),
		EventType:     event.EventType,
		ChainID:       event.ChainID,
		OccurredAt:    occurred.UTC(),
		Data:          data,
	})
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       payload,
	}, nil
}
