package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// MarketStore binds the postgres repositories into the store.Store
// contract consumed by the monitor, hold manager and fulfillment engine.
type MarketStore struct {
	store    *Store
	ledger   *LedgerRepository
	listings *ListingRepository
	orders   *OrderRepository
	holds    *HoldRepository
	outbox   *OutboxRepository
}

func NewMarketStore(db *sql.DB, logger *zap.Logger) *MarketStore {
	return &MarketStore{
		store:    NewStore(db, logger),
		ledger:   NewLedgerRepository(logger),
		listings: NewListingRepository(logger),
		orders:   NewOrderRepository(logger),
		holds:    NewHoldRepository(logger),
		outbox:   NewOutboxRepository(logger),
	}
}

func (m *MarketStore) DB() *sql.DB {
	return m.store.DB()
}

// InTx runs fn in a serializable transaction with bounded conflict retry.
func (m *MarketStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return m.store.WithSerializable(ctx, func(tx *sql.Tx) error {
		return fn(&marketTx{q: tx, m: m})
	})
}

// marketTx dispatches store.Tx calls to the repositories against one open
// transaction.
type marketTx struct {
	q Querier
	m *MarketStore
}

func (t *marketTx) InsertBlock(block model.Block) error {
	return t.m.ledger.InsertBlock(t.q, block)
}

func (t *marketTx) HasBlock(hash string) (bool, error) {
	return t.m.ledger.HasBlock(t.q, hash)
}

func (t *marketTx) GetBlock(hash string) (*model.Block, error) {
	return t.m.ledger.GetBlock(t.q, hash)
}

func (t *marketTx) DeleteBlock(hash string) error {
	return t.m.ledger.DeleteBlock(t.q, hash)
}

func (t *marketTx) LastBlockHeight() (int64, bool, error) {
	return t.m.ledger.LastBlockHeight(t.q)
}

func (t *marketTx) GetEntryForUpdate(txHash, address, direction, assetName string) (*model.TransactionEntry, error) {
	return t.m.ledger.GetEntryForUpdate(t.q, txHash, address, direction, assetName)
}

func (t *marketTx) InsertEntry(entry model.TransactionEntry) error {
	return t.m.ledger.InsertEntry(t.q, entry)
}

func (t *marketTx) UpdateEntryConfirmations(entry model.TransactionEntry, confirmations int64, blockHeight *int64) error {
	return t.m.ledger.UpdateEntryConfirmations(t.q, entry, confirmations, blockHeight)
}

func (t *marketTx) MarkEntriesAbandoned(txHash string, depth int64) ([]model.TransactionEntry, error) {
	return t.m.ledger.MarkEntriesAbandoned(t.q, txHash, depth)
}

func (t *marketTx) EntriesCrossingDepth(tipHeight, depth int64) ([]model.TransactionEntry, error) {
	return t.m.ledger.EntriesCrossingDepth(t.q, tipHeight, depth)
}

func (t *marketTx) AdvanceConfirmations(tipHeight, depth int64) error {
	return t.m.ledger.AdvanceConfirmations(t.q, tipHeight, depth)
}

func (t *marketTx) ResetEntriesFromHeight(height, depth int64) (int64, error) {
	return t.m.ledger.ResetEntriesFromHeight(t.q, height, depth)
}

func (t *marketTx) CreateListing(listing model.Listing, prices []model.ListingPrice) error {
	return t.m.listings.CreateListing(t.q, listing, prices)
}

func (t *marketTx) GetListing(id string) (*model.Listing, error) {
	return t.m.listings.GetListing(t.q, id)
}

func (t *marketTx) GetListingByDepositAddress(address string) (*model.Listing, error) {
	return t.m.listings.GetListingByDepositAddress(t.q, address)
}

func (t *marketTx) UpdateListingStatus(id, status string) error {
	return t.m.listings.UpdateListingStatus(t.q, id, status)
}

func (t *marketTx) UpdateListingDetails(id, name, description string) error {
	return t.m.listings.UpdateListingDetails(t.q, id, name, description)
}

func (t *marketTx) ListingPrices(listingID string) ([]model.ListingPrice, error) {
	return t.m.listings.GetPrices(t.q, listingID)
}

func (t *marketTx) ListingBalances(listingID string) ([]model.ListingBalance, error) {
	return t.m.listings.GetBalances(t.q, listingID)
}

func (t *marketTx) ListingBalanceForUpdate(listingID, assetName string) (*model.ListingBalance, error) {
	return t.m.listings.GetBalanceForUpdate(t.q, listingID, assetName)
}

func (t *marketTx) ListingAddPending(listingID, assetName string, delta int64) error {
	return t.m.listings.AddPending(t.q, listingID, assetName, delta)
}

func (t *marketTx) ListingConfirmPending(listingID, assetName string, amount int64, txHash string, txTime time.Time) error {
	return t.m.listings.ConfirmPending(t.q, listingID, assetName, amount, txHash, txTime)
}

func (t *marketTx) ListingAddConfirmed(listingID, assetName string, delta int64) error {
	return t.m.listings.AddConfirmed(t.q, listingID, assetName, delta)
}

func (t *marketTx) CreateOrder(order model.Order, items []model.OrderItem) error {
	return t.m.orders.CreateOrder(t.q, order, items)
}

func (t *marketTx) GetOrder(id string) (*model.Order, error) {
	return t.m.orders.GetOrder(t.q, id)
}

func (t *marketTx) GetOrderForUpdate(id string) (*model.Order, error) {
	return t.m.orders.GetOrderForUpdate(t.q, id)
}

func (t *marketTx) GetOrderByPaymentAddress(address string) (*model.Order, error) {
	return t.m.orders.GetOrderByPaymentAddress(t.q, address)
}

func (t *marketTx) OrderHistory(buyerAddress string) ([]model.Order, error) {
	return t.m.orders.GetOrderHistory(t.q, buyerAddress)
}

func (t *marketTx) TransitionOrderStatus(id string, from []string, to string) (bool, error) {
	return t.m.orders.TransitionStatus(t.q, id, from, to)
}

func (t *marketTx) OrdersByStatus(status string) ([]string, error) {
	return t.m.orders.SelectOrdersByStatus(t.q, status)
}

func (t *marketTx) OrderItems(orderID string) ([]model.OrderItem, error) {
	return t.m.orders.GetItems(t.q, orderID)
}

func (t *marketTx) MarkItemFulfilled(orderID, assetName, payoutTxHash string) error {
	return t.m.orders.MarkItemFulfilled(t.q, orderID, assetName, payoutTxHash)
}

func (t *marketTx) SetOrderFeeTxID(orderID, txid string) error {
	return t.m.orders.SetFeeTxID(t.q, orderID, txid)
}

func (t *marketTx) SetOrderPayoutTxID(orderID, txid string) error {
	return t.m.orders.SetPayoutTxID(t.q, orderID, txid)
}

func (t *marketTx) SetOrderRefundTxID(orderID, txid string) error {
	return t.m.orders.SetRefundTxID(t.q, orderID, txid)
}

func (t *marketTx) OrderBalances(orderID string) ([]model.OrderBalance, error) {
	return t.m.orders.GetBalances(t.q, orderID)
}

func (t *marketTx) OrderBalanceForUpdate(orderID, assetName string) (*model.OrderBalance, error) {
	return t.m.orders.GetBalanceForUpdate(t.q, orderID, assetName)
}

func (t *marketTx) OrderAddPending(orderID, assetName string, delta int64) error {
	return t.m.orders.AddPending(t.q, orderID, assetName, delta)
}

func (t *marketTx) OrderConfirmPending(orderID, assetName string, amount int64, txHash string, txTime time.Time) error {
	return t.m.orders.ConfirmPending(t.q, orderID, assetName, amount, txHash, txTime)
}

func (t *marketTx) OrderAddConfirmed(orderID, assetName string, delta int64) error {
	return t.m.orders.AddConfirmed(t.q, orderID, assetName, delta)
}

func (t *marketTx) ActiveHoldTotal(listingID, assetName, excludeOrderID string, now time.Time) (int64, error) {
	return t.m.holds.ActiveHoldTotal(t.q, listingID, assetName, excludeOrderID, now)
}

func (t *marketTx) InsertHold(hold model.Hold) error {
	return t.m.holds.InsertHold(t.q, hold)
}

func (t *marketTx) ReleaseHoldsByOrder(orderID string) error {
	return t.m.holds.ReleaseByOrder(t.q, orderID)
}

func (t *marketTx) ReleaseHold(listingID, assetName, orderID string) error {
	return t.m.holds.ReleaseOne(t.q, listingID, assetName, orderID)
}

func (t *marketTx) ExpiredHoldOrderIDs(now time.Time) ([]string, error) {
	return t.m.holds.ExpiredOrderIDs(t.q, now)
}

func (t *marketTx) HoldsByOrder(orderID string) ([]model.Hold, error) {
	return t.m.holds.GetHoldsByOrder(t.q, orderID)
}

func (t *marketTx) StoreEvent(eventType, aggregateID string, blob json.RawMessage) error {
	return t.m.outbox.StoreEvent(t.q, eventType, aggregateID, blob)
}

// Outbox draining runs outside core transactions, straight on the handle.
func (m *MarketStore) ClaimUnsentEvents(limit int) ([]model.OutboxEvent, error) {
	return m.outbox.GetUnsentEventsForProcessing(m.store.DB(), limit)
}

func (m *MarketStore) MarkEventAsSent(id int64) error {
	return m.outbox.MarkEventAsSent(m.store.DB(), id)
}

func (m *MarketStore) MarkEventAsFailed(id int64) error {
	return m.outbox.MarkEventAsFailed(m.store.DB(), id)
}
