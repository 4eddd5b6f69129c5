package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// EventRepository remembers provider events that were fully applied.
type EventRepository interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

type eventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates the webhook event store
func NewEventRepository(db *sqlx.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM payment_webhook_events WHERE event_id = ?`), eventID)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

func (r *eventRepository) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO payment_webhook_events (event_id, event_type, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`), eventID, eventType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}
