// Package store defines the transactional contract between the
// marketplace core and its durable ledger. The postgres implementation
// lives in the repository package; tests substitute an in-memory fake.
//
// All mutual exclusion happens through the store: several instances of the
// service may run against the same database, so correctness never relies
// on in-process locks.
package store

import (
	"context"
	"encoding/json"
	"time"

	"evrmarket/apps/marketplace/internal/model"
)

// Store runs units of work inside a serializable transaction, retrying
// transient conflicts before surfacing the error.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one open serializable transaction over the ledger. Either every
// mutation made through it commits, or none do.
type Tx interface {
	// Blocks and transaction entries.
	InsertBlock(block model.Block) error
	HasBlock(hash string) (bool, error)
	GetBlock(hash string) (*model.Block, error)
	DeleteBlock(hash string) error
	LastBlockHeight() (height int64, ok bool, err error)
	GetEntryForUpdate(txHash, address, direction, assetName string) (*model.TransactionEntry, error)
	InsertEntry(entry model.TransactionEntry) error
	UpdateEntryConfirmations(entry model.TransactionEntry, confirmations int64, blockHeight *int64) error
	MarkEntriesAbandoned(txHash string, depth int64) ([]model.TransactionEntry, error)
	EntriesCrossingDepth(tipHeight, depth int64) ([]model.TransactionEntry, error)
	AdvanceConfirmations(tipHeight, depth int64) error
	ResetEntriesFromHeight(height, depth int64) (int64, error)

	// Listings.
	CreateListing(listing model.Listing, prices []model.ListingPrice) error
	GetListing(id string) (*model.Listing, error)
	GetListingByDepositAddress(address string) (*model.Listing, error)
	UpdateListingStatus(id, status string) error
	UpdateListingDetails(id, name, description string) error
	ListingPrices(listingID string) ([]model.ListingPrice, error)
	ListingBalances(listingID string) ([]model.ListingBalance, error)
	ListingBalanceForUpdate(listingID, assetName string) (*model.ListingBalance, error)
	ListingAddPending(listingID, assetName string, delta int64) error
	ListingConfirmPending(listingID, assetName string, amount int64, txHash string, txTime time.Time) error
	ListingAddConfirmed(listingID, assetName string, delta int64) error

	// Orders.
	CreateOrder(order model.Order, items []model.OrderItem) error
	GetOrder(id string) (*model.Order, error)
	GetOrderForUpdate(id string) (*model.Order, error)
	GetOrderByPaymentAddress(address string) (*model.Order, error)
	OrderHistory(buyerAddress string) ([]model.Order, error)
	TransitionOrderStatus(id string, from []string, to string) (bool, error)
	OrdersByStatus(status string) ([]string, error)
	OrderItems(orderID string) ([]model.OrderItem, error)
	MarkItemFulfilled(orderID, assetName, payoutTxHash string) error
	SetOrderFeeTxID(orderID, txid string) error
	SetOrderPayoutTxID(orderID, txid string) error
	SetOrderRefundTxID(orderID, txid string) error
	OrderBalances(orderID string) ([]model.OrderBalance, error)
	OrderBalanceForUpdate(orderID, assetName string) (*model.OrderBalance, error)
	OrderAddPending(orderID, assetName string, delta int64) error
	OrderConfirmPending(orderID, assetName string, amount int64, txHash string, txTime time.Time) error
	OrderAddConfirmed(orderID, assetName string, delta int64) error

	// Holds.
	ActiveHoldTotal(listingID, assetName, excludeOrderID string, now time.Time) (int64, error)
	InsertHold(hold model.Hold) error
	ReleaseHoldsByOrder(orderID string) error
	ReleaseHold(listingID, assetName, orderID string) error
	ExpiredHoldOrderIDs(now time.Time) ([]string, error)
	HoldsByOrder(orderID string) ([]model.Hold, error)

	// Outbox.
	StoreEvent(eventType, aggregateID string, blob json.RawMessage) error
}
