package model

import (
	"time"
)

// Order statuses. Completed, cancelled, error and refunded are terminal.
const (
	OrderPending       = "pending"
	OrderPartiallyPaid = "partially_paid"
	OrderPaid          = "paid"
	OrderFulfilling    = "fulfilling"
	OrderCompleted     = "completed"
	OrderCancelled     = "cancelled"
	OrderError         = "error"
	OrderRefunded      = "refunded"
)

type Order struct {
	ID             string    `db:"id"`
	ListingID      string    `db:"listing_id"`
	BuyerAddress   string    `db:"buyer_address"`
	PaymentAddress string    `db:"payment_address"`
	Status         string    `db:"status"`
	FeeTxID        *string   `db:"fee_txid"`
	PayoutTxID     *string   `db:"payout_txid"` // seller proceeds
	RefundTxID     *string   `db:"refund_txid"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type OrderItem struct {
	OrderID       string  `db:"order_id"`
	AssetName     string  `db:"asset_name"`
	Amount        int64   `db:"amount"`
	PriceEvr      int64   `db:"price_evr"`
	FeeEvr        int64   `db:"fee_evr"`
	Fulfilled     bool    `db:"fulfilled"`
	PayoutTxHash  *string `db:"payout_tx_hash"`
}

// TotalDue is the full EVR amount the buyer owes for a set of items.
func TotalDue(items []OrderItem) int64 {
	var due int64
	for _, item := range items {
		due += item.PriceEvr + item.FeeEvr
	}
	return due
}

// OrderBalance tracks payment receipt on an order's payment address, one
// row per asset (EVR for EVR-priced items).
type OrderBalance struct {
	OrderID             string     `db:"order_id"`
	AssetName           string     `db:"asset_name"`
	ConfirmedBalance    int64      `db:"confirmed_balance"`
	PendingBalance      int64      `db:"pending_balance"`
	LastConfirmedTxHash *string    `db:"last_confirmed_tx_hash"`
	LastConfirmedTxTime *time.Time `db:"last_confirmed_tx_time"`
	UpdatedAt           time.Time  `db:"updated_at"`
}
