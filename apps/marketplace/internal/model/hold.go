package model

import (
	"time"
)

// Hold is a time-boxed reservation of listing inventory against one order.
// At most one active hold exists per (listing_id, asset_name, order_id).
type Hold struct {
	ListingID string    `db:"listing_id"`
	AssetName string    `db:"asset_name"`
	OrderID   string    `db:"order_id"`
	Amount    int64     `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}
