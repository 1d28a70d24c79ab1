package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/events"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// Address owner kinds.
const (
	ownerNone    = ""
	ownerListing = "listing"
	ownerOrder   = "order"
)

// Reconciler turns transaction entry transitions into balance mutations.
// Every rule fires on a state transition of the entry, never on the raw
// confirmation count, so redelivered events cannot double-apply.
type Reconciler struct {
	logger *zap.Logger
}

func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// resolveOwner maps an address to the listing or order it belongs to.
func (r *Reconciler) resolveOwner(tx store.Tx, address string) (kind, id string, err error) {
	listing, err := tx.GetListingByDepositAddress(address)
	if err != nil {
		return ownerNone, "", err
	}
	if listing != nil {
		return ownerListing, listing.ID, nil
	}
	order, err := tx.GetOrderByPaymentAddress(address)
	if err != nil {
		return ownerNone, "", err
	}
	if order != nil {
		return ownerOrder, order.ID, nil
	}
	return ownerNone, "", nil
}

// NewReceive credits an unseen receive entry to the owner's pending
// balance.
func (r *Reconciler) NewReceive(tx store.Tx, entry model.TransactionEntry) error {
	kind, id, err := r.resolveOwner(tx, entry.Address)
	if err != nil || kind == ownerNone {
		return err
	}

	switch kind {
	case ownerListing:
		if err := tx.ListingAddPending(id, entry.AssetName, entry.Amount); err != nil {
			return err
		}
	case ownerOrder:
		if err := tx.OrderAddPending(id, entry.AssetName, entry.Amount); err != nil {
			return err
		}
		if err := r.recheckOrderPayment(tx, id); err != nil {
			return err
		}
	}

	r.logger.Info("Credited pending balance",
		zap.String("owner", kind),
		zap.String("owner_id", id),
		zap.String("asset_name", entry.AssetName),
		zap.Int64("amount", entry.Amount),
		zap.String("tx_hash", entry.TxHash))
	return r.emitBalance(tx, kind, id, entry.AssetName, entry.TxHash)
}

// CrossedFinality moves a receive entry's amount from pending to confirmed
// once, when its confirmations first reach the finality depth.
func (r *Reconciler) CrossedFinality(tx store.Tx, entry model.TransactionEntry) error {
	kind, id, err := r.resolveOwner(tx, entry.Address)
	if err != nil || kind == ownerNone {
		return err
	}

	switch kind {
	case ownerListing:
		if err := tx.ListingConfirmPending(id, entry.AssetName, entry.Amount, entry.TxHash, entry.Time); err != nil {
			return err
		}
	case ownerOrder:
		if err := tx.OrderConfirmPending(id, entry.AssetName, entry.Amount, entry.TxHash, entry.Time); err != nil {
			return err
		}
		if err := r.recheckOrderPayment(tx, id); err != nil {
			return err
		}
	}

	r.logger.Info("Confirmed pending balance",
		zap.String("owner", kind),
		zap.String("owner_id", id),
		zap.String("asset_name", entry.AssetName),
		zap.Int64("amount", entry.Amount),
		zap.String("tx_hash", entry.TxHash))
	return r.emitBalance(tx, kind, id, entry.AssetName, entry.TxHash)
}

// NewSend debits the owner's confirmed balance as soon as the outgoing
// transaction is seen; funds leaving the wallet are spent regardless of
// confirmation depth.
func (r *Reconciler) NewSend(tx store.Tx, entry model.TransactionEntry) error {
	kind, id, err := r.resolveOwner(tx, entry.Address)
	if err != nil || kind == ownerNone {
		return err
	}

	switch kind {
	case ownerListing:
		if err := tx.ListingAddConfirmed(id, entry.AssetName, -entry.Amount); err != nil {
			return err
		}
	case ownerOrder:
		if err := tx.OrderAddConfirmed(id, entry.AssetName, -entry.Amount); err != nil {
			return err
		}
	}

	r.logger.Info("Debited confirmed balance",
		zap.String("owner", kind),
		zap.String("owner_id", id),
		zap.String("asset_name", entry.AssetName),
		zap.Int64("amount", entry.Amount),
		zap.String("tx_hash", entry.TxHash))
	return r.emitBalance(tx, kind, id, entry.AssetName, entry.TxHash)
}

// Abandoned reverses the pending credit of a receive entry that was
// evicted from the mempool before confirming.
func (r *Reconciler) Abandoned(tx store.Tx, entry model.TransactionEntry) error {
	if entry.Direction != model.DirectionReceive {
		return nil
	}

	kind, id, err := r.resolveOwner(tx, entry.Address)
	if err != nil || kind == ownerNone {
		return err
	}

	switch kind {
	case ownerListing:
		if err := tx.ListingAddPending(id, entry.AssetName, -entry.Amount); err != nil {
			return err
		}
	case ownerOrder:
		if err := tx.OrderAddPending(id, entry.AssetName, -entry.Amount); err != nil {
			return err
		}
	}

	r.logger.Info("Reversed pending balance for abandoned transaction",
		zap.String("owner", kind),
		zap.String("owner_id", id),
		zap.String("asset_name", entry.AssetName),
		zap.Int64("amount", entry.Amount),
		zap.String("tx_hash", entry.TxHash))
	return r.emitBalance(tx, kind, id, entry.AssetName, entry.TxHash)
}

// recheckOrderPayment advances an order awaiting payment once the received
// amounts cover the total due. Confirmed funds make it paid, pending funds
// only make it partially paid.
func (r *Reconciler) recheckOrderPayment(tx store.Tx, orderID string) error {
	order, err := tx.GetOrderForUpdate(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found during payment recheck", orderID)
	}

	items, err := tx.OrderItems(orderID)
	if err != nil {
		return err
	}
	balance, err := tx.OrderBalanceForUpdate(orderID, "EVR")
	if err != nil {
		return err
	}

	due := model.TotalDue(items)
	switch {
	case balance.ConfirmedBalance >= due:
		return r.transitionOrder(tx, order,
			[]string{model.OrderPending, model.OrderPartiallyPaid}, model.OrderPaid, "payment confirmed")
	case balance.ConfirmedBalance+balance.PendingBalance >= due:
		return r.transitionOrder(tx, order,
			[]string{model.OrderPending}, model.OrderPartiallyPaid, "payment pending")
	}
	return nil
}

func (r *Reconciler) transitionOrder(tx store.Tx, order *model.Order, from []string, to, reason string) error {
	moved, err := tx.TransitionOrderStatus(order.ID, from, to)
	if err != nil || !moved {
		return err
	}

	r.logger.Info("Order status changed",
		zap.String("order_id", order.ID),
		zap.String("from", order.Status),
		zap.String("to", to))
	return storeEvent(tx, events.TypeOrderStatusChanged, order.ID, events.OrderStatusChanged{
		OrderID:    order.ID,
		ListingID:  order.ListingID,
		FromStatus: order.Status,
		ToStatus:   to,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (r *Reconciler) emitBalance(tx store.Tx, kind, id, assetName, txHash string) error {
	var confirmed, pending int64
	switch kind {
	case ownerListing:
		balance, err := tx.ListingBalanceForUpdate(id, assetName)
		if err != nil {
			return err
		}
		confirmed, pending = balance.ConfirmedBalance, balance.PendingBalance
	case ownerOrder:
		balance, err := tx.OrderBalanceForUpdate(id, assetName)
		if err != nil {
			return err
		}
		confirmed, pending = balance.ConfirmedBalance, balance.PendingBalance
	}

	return storeEvent(tx, events.TypeBalanceUpdated, id, events.BalanceUpdated{
		OwnerKind:        kind,
		OwnerID:          id,
		AssetName:        assetName,
		ConfirmedBalance: confirmed,
		PendingBalance:   pending,
		TxHash:           txHash,
		Timestamp:        time.Now().UTC(),
	})
}

func storeEvent(tx store.Tx, eventType, aggregateID string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return tx.StoreEvent(eventType, aggregateID, blob)
}
