package model

import (
	"time"
)

// Listing statuses.
const (
	ListingActive   = "active"
	ListingPaused   = "paused"
	ListingInactive = "inactive"
)

// Listing holds seller inventory behind a single deposit address that can
// receive any asset.
type Listing struct {
	ID             string    `db:"id"`
	SellerAddress  string    `db:"seller_address"`
	DepositAddress string    `db:"deposit_address"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ListingPrice prices one asset of a listing, either in EVR or in another
// asset.
type ListingPrice struct {
	ListingID        string  `db:"listing_id"`
	AssetName        string  `db:"asset_name"`
	PriceEvr         int64   `db:"price_evr"`
	PriceAssetName   *string `db:"price_asset_name"`
	PriceAssetAmount *int64  `db:"price_asset_amount"`
}

type ListingBalance struct {
	ListingID           string     `db:"listing_id"`
	AssetName           string     `db:"asset_name"`
	ConfirmedBalance    int64      `db:"confirmed_balance"`
	PendingBalance      int64      `db:"pending_balance"`
	LastConfirmedTxHash *string    `db:"last_confirmed_tx_hash"`
	LastConfirmedTxTime *time.Time `db:"last_confirmed_tx_time"`
	UpdatedAt           time.Time  `db:"updated_at"`
}
