// Package storetest provides an in-memory store.Store for tests. It
// honors transactional rollback by snapshotting state at InTx entry, so
// all-or-nothing behavior can be asserted without a database.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

type entryKey struct {
	TxHash    string
	Address   string
	Direction string
	AssetName string
}

type balanceKey struct {
	OwnerID   string
	AssetName string
}

type holdKey struct {
	ListingID string
	AssetName string
	OrderID   string
}

type state struct {
	blocks          map[string]model.Block
	entries         map[entryKey]model.TransactionEntry
	listings        map[string]model.Listing
	prices          map[string][]model.ListingPrice
	listingBalances map[balanceKey]model.ListingBalance
	orders          map[string]model.Order
	items           map[string][]model.OrderItem
	orderBalances   map[balanceKey]model.OrderBalance
	holds           map[holdKey]model.Hold
	events          []model.OutboxEvent
}

func newState() *state {
	return &state{
		blocks:          make(map[string]model.Block),
		entries:         make(map[entryKey]model.TransactionEntry),
		listings:        make(map[string]model.Listing),
		prices:          make(map[string][]model.ListingPrice),
		listingBalances: make(map[balanceKey]model.ListingBalance),
		orders:          make(map[string]model.Order),
		items:           make(map[string][]model.OrderItem),
		orderBalances:   make(map[balanceKey]model.OrderBalance),
		holds:           make(map[holdKey]model.Hold),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = append([]model.ListingPrice(nil), v...)
	}
	for k, v := range s.listingBalances {
		c.listingBalances[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]model.OrderItem(nil), v...)
	}
	for k, v := range s.orderBalances {
		c.orderBalances[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	c.events = append([]model.OutboxEvent(nil), s.events...)
	return c
}

// Store is the in-memory fake.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

// InTx runs fn against a working copy and commits it only on success.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(&tx{st: working}); err != nil {
		return err
	}
	s.st = working
	return nil
}

// View reads current state outside any transaction, for assertions.
func (s *Store) View(fn func(tx store.Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&tx{st: s.st})
}

type tx struct {
	st *state
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertBlock(block model.Block) error {
	// A new hash at a known height replaces the reorged-out row.
	for hash, b := range t.st.blocks {
		if b.Height == block.Height {
			delete(t.st.blocks, hash)
		}
	}
	t.st.blocks[block.Hash] = block
	return nil
}

func (t *tx) HasBlock(hash string) (bool, error) {
	_, ok := t.st.blocks[hash]
	return ok, nil
}

func (t *tx) GetBlock(hash string) (*model.Block, error) {
	if b, ok := t.st.blocks[hash]; ok {
		copied := b
		return &copied, nil
	}
	return nil, nil
}

func (t *tx) DeleteBlock(hash string) error {
	delete(t.st.blocks, hash)
	return nil
}

func (t *tx) LastBlockHeight() (int64, bool, error) {
	var best int64
	found := false
	for _, b := range t.st.blocks {
		if !found || b.Height > best {
			best = b.Height
			found = true
		}
	}
	return best, found, nil
}

func (t *tx) GetEntryForUpdate(txHash, address, direction, assetName string) (*model.TransactionEntry, error) {
	if e, ok := t.st.entries[entryKey{txHash, address, direction, assetName}]; ok {
		copied := e
		return &copied, nil
	}
	return nil, nil
}

func (t *tx) InsertEntry(entry model.TransactionEntry) error {
	key := entryKey{entry.TxHash, entry.Address, entry.Direction, entry.AssetName}
	if _, ok := t.st.entries[key]; ok {
		return errors.New("duplicate transaction entry")
	}
	t.st.entries[key] = entry
	return nil
}

func (t *tx) UpdateEntryConfirmations(entry model.TransactionEntry, confirmations int64, blockHeight *int64) error {
	key := entryKey{entry.TxHash, entry.Address, entry.Direction, entry.AssetName}
	e, ok := t.st.entries[key]
	if !ok {
		return errors.New("no such transaction entry")
	}
	e.Confirmations = confirmations
	if blockHeight != nil {
		h := *blockHeight
		e.BlockHeight = &h
	}
	e.Trusted = entry.Trusted
	e.Replaceable = entry.Replaceable
	t.st.entries[key] = e
	return nil
}

func (t *tx) MarkEntriesAbandoned(txHash string, depth int64) ([]model.TransactionEntry, error) {
	var marked []model.TransactionEntry
	for key, e := range t.st.entries {
		if key.TxHash != txHash || e.Abandoned || e.Confirmations < 0 || e.Confirmations >= depth {
			continue
		}
		e.Abandoned = true
		e.Confirmations = model.AbandonedConfirmations
		t.st.entries[key] = e
		marked = append(marked, e)
	}
	return marked, nil
}

func (t *tx) EntriesCrossingDepth(tipHeight, depth int64) ([]model.TransactionEntry, error) {
	var crossing []model.TransactionEntry
	for _, e := range t.st.entries {
		if e.Abandoned || e.BlockHeight == nil {
			continue
		}
		if e.Confirmations >= 0 && e.Confirmations < depth && tipHeight-*e.BlockHeight+1 >= depth {
			crossing = append(crossing, e)
		}
	}
	return crossing, nil
}

func (t *tx) AdvanceConfirmations(tipHeight, depth int64) error {
	for key, e := range t.st.entries {
		if e.Abandoned || e.BlockHeight == nil {
			continue
		}
		newConfs := tipHeight - *e.BlockHeight + 1
		if e.Confirmations >= 0 && e.Confirmations < depth && newConfs > e.Confirmations {
			e.Confirmations = newConfs
			t.st.entries[key] = e
		}
	}
	return nil
}

func (t *tx) ResetEntriesFromHeight(height, depth int64) (int64, error) {
	var reset int64
	for key, e := range t.st.entries {
		if e.Abandoned || e.BlockHeight == nil || *e.BlockHeight < height {
			continue
		}
		if e.Confirmations < 0 || e.Confirmations >= depth {
			continue
		}
		e.Confirmations = 0
		e.BlockHeight = nil
		t.st.entries[key] = e
		reset++
	}
	return reset, nil
}

func (t *tx) CreateListing(listing model.Listing, prices []model.ListingPrice) error {
	t.st.listings[listing.ID] = listing
	t.st.prices[listing.ID] = append([]model.ListingPrice(nil), prices...)
	for _, p := range prices {
		key := balanceKey{listing.ID, p.AssetName}
		if _, ok := t.st.listingBalances[key]; !ok {
			t.st.listingBalances[key] = model.ListingBalance{ListingID: listing.ID, AssetName: p.AssetName}
		}
	}
	return nil
}

func (t *tx) GetListing(id string) (*model.Listing, error) {
	if l, ok := t.st.listings[id]; ok {
		copied := l
		return &copied, nil
	}
	return nil, nil
}

func (t *tx) GetListingByDepositAddress(address string) (*model.Listing, error) {
	for _, l := range t.st.listings {
		if l.DepositAddress == address {
			copied := l
			return &copied, nil
		}
	}
	return nil, nil
}

func (t *tx) UpdateListingStatus(id, status string) error {
	l, ok := t.st.listings[id]
	if !ok {
		return errors.New("no such listing")
	}
	l.Status = status
	t.st.listings[id] = l
	return nil
}

func (t *tx) UpdateListingDetails(id, name, description string) error {
	l, ok := t.st.listings[id]
	if !ok {
		return errors.New("no such listing")
	}
	l.Name = name
	l.Description = description
	t.st.listings[id] = l
	return nil
}

func (t *tx) ListingPrices(listingID string) ([]model.ListingPrice, error) {
	return append([]model.ListingPrice(nil), t.st.prices[listingID]...), nil
}

func (t *tx) ListingBalances(listingID string) ([]model.ListingBalance, error) {
	var balances []model.ListingBalance
	for key, b := range t.st.listingBalances {
		if key.OwnerID == listingID {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (t *tx) ListingBalanceForUpdate(listingID, assetName string) (*model.ListingBalance, error) {
	key := balanceKey{listingID, assetName}
	if _, ok := t.st.listingBalances[key]; !ok {
		t.st.listingBalances[key] = model.ListingBalance{ListingID: listingID, AssetName: assetName}
	}
	b := t.st.listingBalances[key]
	return &b, nil
}

func (t *tx) ListingAddPending(listingID, assetName string, delta int64) error {
	key := balanceKey{listingID, assetName}
	b := t.st.listingBalances[key]
	b.ListingID, b.AssetName = listingID, assetName
	b.PendingBalance += delta
	if b.PendingBalance < 0 {
		return errors.New("pending balance below zero")
	}
	t.st.listingBalances[key] = b
	return nil
}

func (t *tx) ListingConfirmPending(listingID, assetName string, amount int64, txHash string, txTime time.Time) error {
	key := balanceKey{listingID, assetName}
	b := t.st.listingBalances[key]
	b.ListingID, b.AssetName = listingID, assetName
	b.PendingBalance -= amount
	b.ConfirmedBalance += amount
	if b.PendingBalance < 0 {
		return errors.New("pending balance below zero")
	}
	b.LastConfirmedTxHash = &txHash
	ts := txTime
	b.LastConfirmedTxTime = &ts
	t.st.listingBalances[key] = b
	return nil
}

func (t *tx) ListingAddConfirmed(listingID, assetName string, delta int64) error {
	key := balanceKey{listingID, assetName}
	b := t.st.listingBalances[key]
	b.ListingID, b.AssetName = listingID, assetName
	b.ConfirmedBalance += delta
	if b.ConfirmedBalance < 0 {
		return errors.New("confirmed balance below zero")
	}
	t.st.listingBalances[key] = b
	return nil
}

func (t *tx) CreateOrder(order model.Order, items []model.OrderItem) error {
	if _, ok := t.st.orders[order.ID]; ok {
		return errors.New("duplicate order")
	}
	t.st.orders[order.ID] = order
	t.st.items[order.ID] = append([]model.OrderItem(nil), items...)
	key := balanceKey{order.ID, "EVR"}
	if _, ok := t.st.orderBalances[key]; !ok {
		t.st.orderBalances[key] = model.OrderBalance{OrderID: order.ID, AssetName: "EVR"}
	}
	return nil
}

func (t *tx) GetOrder(id string) (*model.Order, error) {
	if o, ok := t.st.orders[id]; ok {
		copied := o
		return &copied, nil
	}
	return nil, nil
}

func (t *tx) GetOrderForUpdate(id string) (*model.Order, error) {
	return t.GetOrder(id)
}

func (t *tx) GetOrderByPaymentAddress(address string) (*model.Order, error) {
	for _, o := range t.st.orders {
		if o.PaymentAddress == address {
			copied := o
			return &copied, nil
		}
	}
	return nil, nil
}

func (t *tx) OrderHistory(buyerAddress string) ([]model.Order, error) {
	var orders []model.Order
	for _, o := range t.st.orders {
		if o.BuyerAddress == buyerAddress {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (t *tx) TransitionOrderStatus(id string, from []string, to string) (bool, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if o.Status == status {
			o.Status = to
			t.st.orders[id] = o
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) OrdersByStatus(status string) ([]string, error) {
	var ids []string
	for id, o := range t.st.orders {
		if o.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *tx) OrderItems(orderID string) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *tx) MarkItemFulfilled(orderID, assetName, payoutTxHash string) error {
	items := t.st.items[orderID]
	for i := range items {
		if items[i].AssetName == assetName {
			items[i].Fulfilled = true
			txid := payoutTxHash
			items[i].PayoutTxHash = &txid
			return nil
		}
	}
	return errors.New("no such order item")
}

func (t *tx) SetOrderFeeTxID(orderID, txid string) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return errors.New("no such order")
	}
	v := txid
	o.FeeTxID = &v
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) SetOrderPayoutTxID(orderID, txid string) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return errors.New("no such order")
	}
	v := txid
	o.PayoutTxID = &v
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) SetOrderRefundTxID(orderID, txid string) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return errors.New("no such order")
	}
	v := txid
	o.RefundTxID = &v
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) OrderBalances(orderID string) ([]model.OrderBalance, error) {
	var balances []model.OrderBalance
	for key, b := range t.st.orderBalances {
		if key.OwnerID == orderID {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

func (t *tx) OrderBalanceForUpdate(orderID, assetName string) (*model.OrderBalance, error) {
	key := balanceKey{orderID, assetName}
	if _, ok := t.st.orderBalances[key]; !ok {
		t.st.orderBalances[key] = model.OrderBalance{OrderID: orderID, AssetName: assetName}
	}
	b := t.st.orderBalances[key]
	return &b, nil
}

func (t *tx) OrderAddPending(orderID, assetName string, delta int64) error {
	key := balanceKey{orderID, assetName}
	b := t.st.orderBalances[key]
	b.OrderID, b.AssetName = orderID, assetName
	b.PendingBalance += delta
	if b.PendingBalance < 0 {
		return errors.New("pending balance below zero")
	}
	t.st.orderBalances[key] = b
	return nil
}

func (t *tx) OrderConfirmPending(orderID, assetName string, amount int64, txHash string, txTime time.Time) error {
	key := balanceKey{orderID, assetName}
	b := t.st.orderBalances[key]
	b.OrderID, b.AssetName = orderID, assetName
	b.PendingBalance -= amount
	b.ConfirmedBalance += amount
	if b.PendingBalance < 0 {
		return errors.New("pending balance below zero")
	}
	b.LastConfirmedTxHash = &txHash
	ts := txTime
	b.LastConfirmedTxTime = &ts
	t.st.orderBalances[key] = b
	return nil
}

func (t *tx) OrderAddConfirmed(orderID, assetName string, delta int64) error {
	key := balanceKey{orderID, assetName}
	b := t.st.orderBalances[key]
	b.OrderID, b.AssetName = orderID, assetName
	b.ConfirmedBalance += delta
	if b.ConfirmedBalance < 0 {
		return errors.New("confirmed balance below zero")
	}
	t.st.orderBalances[key] = b
	return nil
}

func (t *tx) ActiveHoldTotal(listingID, assetName, excludeOrderID string, now time.Time) (int64, error) {
	var total int64
	for key, h := range t.st.holds {
		if key.ListingID == listingID && key.AssetName == assetName &&
			key.OrderID != excludeOrderID && h.ExpiresAt.After(now) {
			total += h.Amount
		}
	}
	return total, nil
}

func (t *tx) InsertHold(hold model.Hold) error {
	key := holdKey{hold.ListingID, hold.AssetName, hold.OrderID}
	if _, ok := t.st.holds[key]; ok {
		return errors.New("duplicate hold")
	}
	t.st.holds[key] = hold
	return nil
}

func (t *tx) ReleaseHoldsByOrder(orderID string) error {
	for key := range t.st.holds {
		if key.OrderID == orderID {
			delete(t.st.holds, key)
		}
	}
	return nil
}

func (t *tx) ReleaseHold(listingID, assetName, orderID string) error {
	delete(t.st.holds, holdKey{listingID, assetName, orderID})
	return nil
}

func (t *tx) ExpiredHoldOrderIDs(now time.Time) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for key, h := range t.st.holds {
		if !h.ExpiresAt.Before(now) || seen[key.OrderID] {
			continue
		}
		o, ok := t.st.orders[key.OrderID]
		if !ok {
			continue
		}
		if o.Status == model.OrderPending || o.Status == model.OrderPartiallyPaid {
			seen[key.OrderID] = true
			ids = append(ids, key.OrderID)
		}
	}
	return ids, nil
}

func (t *tx) HoldsByOrder(orderID string) ([]model.Hold, error) {
	var holds []model.Hold
	for key, h := range t.st.holds {
		if key.OrderID == orderID {
			holds = append(holds, h)
		}
	}
	return holds, nil
}

func (t *tx) StoreEvent(eventType, aggregateID string, blob json.RawMessage) error {
	t.st.events = append(t.st.events, model.OutboxEvent{
		ID:          int64(len(t.st.events) + 1),
		EventType:   eventType,
		AggregateID: aggregateID,
		Status:      model.OutboxUnsent,
		EventBlob:   blob,
	})
	return nil
}
