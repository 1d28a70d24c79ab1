package model

import (
	"encoding/json"
	"time"
)

// Outbox statuses.
const (
	OutboxUnsent     = "unsent"
	OutboxProcessing = "processing"
	OutboxSent       = "sent"
)

// OutboxEvent is a notification staged in the same store transaction as the
// mutation it describes, and drained to Kafka by the event publisher.
type OutboxEvent struct {
	ID          int64           `db:"id"`
	EventType   string          `db:"event_type"`
	AggregateID string          `db:"aggregate_id"` // order or listing id
	Status      string          `db:"status"`
	EventBlob   json.RawMessage `db:"event_blob"`
	CreatedAt   time.Time       `db:"created_at"`
}
