package repository

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
)

// OutboxRepository stages notifications inside store transactions so the
// publisher can drain them to Kafka without dual-write races.
type OutboxRepository struct {
	logger *zap.Logger
}

func NewOutboxRepository(logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{logger: logger}
}

func (r *OutboxRepository) StoreEvent(q Querier, eventType, aggregateID string, blob json.RawMessage) error {
	_, err := q.Exec(`
		INSERT INTO event_outbox (event_type, aggregate_id, event_blob)
		VALUES ($1, $2, $3)
	`, eventType, aggregateID, blob)
	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}
	return nil
}

// GetUnsentEventsForProcessing claims up to limit unsent events, marking
// them 'processing' so concurrent publishers skip them.
func (r *OutboxRepository) GetUnsentEventsForProcessing(q Querier, limit int) ([]model.OutboxEvent, error) {
	rows, err := q.Query(`
		UPDATE event_outbox
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM event_outbox
			WHERE status = 'unsent'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, aggregate_id, status, event_blob, created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.AggregateID,
			&event.Status, &event.EventBlob, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *OutboxRepository) MarkEventAsSent(q Querier, id int64) error {
	_, err := q.Exec(`UPDATE event_outbox SET status = 'sent' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkEventAsFailed returns a claimed event to 'unsent' for retry.
func (r *OutboxRepository) MarkEventAsFailed(q Querier, id int64) error {
	_, err := q.Exec(`
		UPDATE event_outbox SET status = 'unsent' WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}
