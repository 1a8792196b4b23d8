package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/compliance-ledger/pkg/db/models"
)

// ErrNotDeadLettered is returned by Replay when no dead letter exists for
// the requested event.
var ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")

// DLQRepository stores ledger notifications the publisher gave up on.
// There is at most one dead letter per outbox event.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(conn *gorm.DB) *DLQRepository {
	return &DLQRepository{db: conn}
}

// InsertTx records a dead letter. A second insert for the same event is a
// no-op so a crashed publisher can safely repeat its terminal step.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ErrorMessage != nil {
		entry.ErrorMessage = clip(*entry.ErrorMessage)
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&entry).Error
}

// PurgeBefore drops dead letters that failed before cutoff.
func (r *DLQRepository) PurgeBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).Where("failed_at < ?", cutoff).Delete(&models.OutboxDLQ{})
	return res.RowsAffected, res.Error
}

// Replay hands a dead-lettered event back to the publisher. The parked
// outbox row gets a fresh attempt budget; if retention already removed it,
// the row is rebuilt from the dead letter under the same id so downstream
// deduplication still applies. The dead letter is removed either way.
func (r *DLQRepository) Replay(ctx context.Context, tx *gorm.DB, eventID uuid.UUID) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	tx = tx.WithContext(ctx)

	var dead models.OutboxDLQ
	err := tx.Where("event_id = ?", eventID).Take(&dead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotDeadLettered
	}
	if err != nil {
		return err
	}

	res := tx.Model(&models.OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", eventID).
		Updates(map[string]any{"attempt_count": 0, "last_error": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.OutboxEvent{
			ID:            dead.EventID,
			EventType:     dead.EventType,
			AggregateType: dead.AggregateType,
			AggregateID:   dead.AggregateID,
			Payload:       dead.Payload,
		}).Error
		if err != nil {
			return err
		}
	}
	return tx.Delete(&dead).Error
}

func clip(msg string) *string {
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}
