package api

import (
	"time"
)

// CreateListingRequest represents the request body for creating a listing
type CreateListingRequest struct {
	SellerAddress string             `json:"seller_address"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Prices        []ListingPriceSpec `json:"prices"`
}

// ListingPriceSpec prices one asset, in base units per whole asset unit
type ListingPriceSpec struct {
	AssetName string `json:"asset_name"`
	PriceEvr  int64  `json:"price_evr"`
}

// UpdateListingRequest represents the request body for editing a listing
type UpdateListingRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UpdateListingStatusRequest represents the request body for status changes
type UpdateListingStatusRequest struct {
	Status string `json:"status"`
}

// ListingResponse represents the API response for listing information
type ListingResponse struct {
	ListingID      string            `json:"listing_id"`
	SellerAddress  string            `json:"seller_address"`
	DepositAddress string            `json:"deposit_address"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Status         string            `json:"status"`
	Prices         []ListingPriceSpec `json:"prices,omitempty"`
	Balances       []BalanceResponse  `json:"balances,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BalanceResponse represents one asset balance, amounts in base units
type BalanceResponse struct {
	AssetName        string `json:"asset_name"`
	ConfirmedBalance int64  `json:"confirmed_balance"`
	PendingBalance   int64  `json:"pending_balance"`
}

// CreateOrderRequest represents the request body for placing an order
type CreateOrderRequest struct {
	ListingID    string          `json:"listing_id"`
	BuyerAddress string          `json:"buyer_address"`
	Items        []OrderItemSpec `json:"items"`
}

// OrderItemSpec is one requested line, amount in base units
type OrderItemSpec struct {
	AssetName string `json:"asset_name"`
	Amount    int64  `json:"amount"`
}

// OrderItemResponse represents one order line
type OrderItemResponse struct {
	AssetName    string  `json:"asset_name"`
	Amount       int64   `json:"amount"`
	PriceEvr     int64   `json:"price_evr"`
	FeeEvr       int64   `json:"fee_evr"`
	Fulfilled    bool    `json:"fulfilled"`
	PayoutTxHash *string `json:"payout_tx_hash,omitempty"`
}

// OrderResponse represents the API response for order information
type OrderResponse struct {
	OrderID        string              `json:"order_id"`
	ListingID      string              `json:"listing_id"`
	BuyerAddress   string              `json:"buyer_address"`
	PaymentAddress string              `json:"payment_address"`
	Status         string              `json:"status"`
	TotalDue       int64               `json:"total_due"`
	Items          []OrderItemResponse `json:"items,omitempty"`
	Balances       []BalanceResponse   `json:"balances,omitempty"`
	FeeTxID        *string             `json:"fee_txid,omitempty"`
	PayoutTxID     *string             `json:"payout_txid,omitempty"`
	RefundTxID     *string             `json:"refund_txid,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// MarkRefundedRequest represents the request body for recording a refund
type MarkRefundedRequest struct {
	RefundTxID string `json:"refund_txid"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
