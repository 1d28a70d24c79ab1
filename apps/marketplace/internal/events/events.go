// Package events defines the Kafka message payloads emitted through the
// outbox. Event types name the fact that happened, not the consumer.
package events

import (
	"time"
)

// Event types carried in the outbox event_type column.
const (
	TypeOrderStatusChanged = "order_status_changed"
	TypeBalanceUpdated     = "balance_updated"
	TypeListingUpdated     = "listing_updated"
)

// OrderStatusChanged is emitted whenever an order transitions status,
// including the payment milestones and terminal outcomes.
type OrderStatusChanged struct {
	OrderID    string    `json:"order_id"`
	ListingID  string    `json:"listing_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// BalanceUpdated is emitted when a listing or order balance row moves.
// OwnerKind is "listing" or "order".
type BalanceUpdated struct {
	OwnerKind        string    `json:"owner_kind"`
	OwnerID          string    `json:"owner_id"`
	AssetName        string    `json:"asset_name"`
	ConfirmedBalance int64     `json:"confirmed_balance"`
	PendingBalance   int64     `json:"pending_balance"`
	TxHash           string    `json:"tx_hash,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ListingUpdated is emitted on listing lifecycle changes.
type ListingUpdated struct {
	ListingID string    `json:"listing_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the wire shape written to the Kafka topic: the typed payload
// is carried opaque in Payload and identified by EventType.
type Envelope struct {
	EventType   string      `json:"event_type"`
	AggregateID string      `json:"aggregate_id"`
	Payload     interface{} `json:"payload"`
	Timestamp   time.Time   `json:"timestamp"`
}
