// Package fulfill delivers paid orders: assets to the buyer, the fee to
// the marketplace, the proceeds to the seller.
package fulfill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/events"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// AssetSender is the node surface the engine spends through.
type AssetSender interface {
	TransferAsset(from, to, asset string, amount int64) (string, error)
	SendFromAddress(from, to string, amount int64) (string, error)
}

// Engine sweeps paid orders and fulfills them on a bounded worker pool.
// Node sends happen outside store transactions; every completed send is
// recorded before the next one starts, so a crash resumes where it left
// off instead of paying twice.
type Engine struct {
	logger     *zap.Logger
	store      store.Store
	node       AssetSender
	feeAddress string
	interval   time.Duration
	workers    int

	wg  sync.WaitGroup
	sem chan struct{}
}

func NewEngine(st store.Store, node AssetSender, feeAddress string, interval time.Duration, workers int, logger *zap.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		logger:     logger,
		store:      st,
		node:       node,
		feeAddress: feeAddress,
		interval:   interval,
		workers:    workers,
		sem:        make(chan struct{}, workers),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled, then waits for
// in-flight orders to finish.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
			if err := e.SweepOnce(ctx); err != nil {
				e.logger.Error("Fulfillment sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce claims every paid order and dispatches it to the pool. Orders
// stuck in fulfilling after a crash are re-dispatched too; fulfillment is
// resumable because each item records its payout before the hold clears.
func (e *Engine) SweepOnce(ctx context.Context) error {
	var orderIDs []string
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		paid, err := tx.OrdersByStatus(model.OrderPaid)
		if err != nil {
			return err
		}
		stuck, err := tx.OrdersByStatus(model.OrderFulfilling)
		if err != nil {
			return err
		}
		orderIDs = append(paid, stuck...)
		return nil
	})
	if err != nil {
		return err
	}

	for _, orderID := range orderIDs {
		claimed, err := e.claim(ctx, orderID)
		if err != nil {
			e.logger.Error("Failed to claim order for fulfillment",
				zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.wg.Add(1)
		go func(id string) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			if err := e.fulfillOrder(ctx, id); err != nil {
				e.logger.Error("Order fulfillment failed",
					zap.String("order_id", id), zap.Error(err))
			}
		}(orderID)
	}
	return nil
}

// claim moves a paid order to fulfilling. Orders already fulfilling keep
// their status; the semaphore serializes re-dispatch within one instance
// and the per-item txid records keep cross-instance replays idempotent.
func (e *Engine) claim(ctx context.Context, orderID string) (bool, error) {
	claimed := false
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(orderID)
		if err != nil || order == nil {
			return err
		}
		switch order.Status {
		case model.OrderPaid:
			moved, err := tx.TransitionOrderStatus(orderID, []string{model.OrderPaid}, model.OrderFulfilling)
			if err != nil {
				return err
			}
			claimed = moved
			if moved {
				return e.emitStatus(tx, order, model.OrderFulfilling, "payment complete")
			}
			return nil
		case model.OrderFulfilling:
			claimed = true
			return nil
		default:
			return nil
		}
	})
	return claimed, err
}

func (e *Engine) fulfillOrder(ctx context.Context, orderID string) error {
	order, items, listing, err := e.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil || order.Status != model.OrderFulfilling {
		return nil
	}
	if listing == nil {
		return e.fail(ctx, order, fmt.Sprintf("listing %s not found", order.ListingID))
	}

	// A failed item does not stop the rest: every outstanding item gets
	// its delivery attempt, and only then does the order park in error
	// with per-item state kept for the manual retry.
	var failed []string
	for _, item := range items {
		if item.Fulfilled {
			continue
		}
		txid, err := e.node.TransferAsset(listing.DepositAddress, order.BuyerAddress, item.AssetName, item.Amount)
		if err != nil {
			e.logger.Error("Order item transfer failed",
				zap.String("order_id", orderID),
				zap.String("asset_name", item.AssetName),
				zap.Error(err))
			failed = append(failed, fmt.Sprintf("transfer of %s failed: %v", item.AssetName, err))
			continue
		}

		e.logger.Info("Transferred order item",
			zap.String("order_id", orderID),
			zap.String("asset_name", item.AssetName),
			zap.Int64("amount", item.Amount),
			zap.String("tx_hash", txid))

		err = e.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.MarkItemFulfilled(orderID, item.AssetName, txid); err != nil {
				return err
			}
			if err := tx.ReleaseHold(listing.ID, item.AssetName, orderID); err != nil {
				return err
			}
			return tx.ListingAddConfirmed(listing.ID, item.AssetName, -item.Amount)
		})
		if err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		return e.fail(ctx, order, strings.Join(failed, "; "))
	}

	if err := e.settleFunds(ctx, order, items, listing); err != nil {
		return err
	}

	return e.store.InTx(ctx, func(tx store.Tx) error {
		moved, err := tx.TransitionOrderStatus(orderID, []string{model.OrderFulfilling}, model.OrderCompleted)
		if err != nil || !moved {
			return err
		}
		e.logger.Info("Order completed", zap.String("order_id", orderID))
		return e.emitStatus(tx, order, model.OrderCompleted, "all items delivered")
	})
}

// settleFunds moves the buyer's payment out of the payment address: fee
// first, then seller proceeds. Recorded txids make each leg run at most
// once.
func (e *Engine) settleFunds(ctx context.Context, order *model.Order, items []model.OrderItem, listing *model.Listing) error {
	var fee, proceeds int64
	for _, item := range items {
		fee += item.FeeEvr
		proceeds += item.PriceEvr
	}

	if order.FeeTxID == nil && fee > 0 {
		txid, err := e.node.SendFromAddress(order.PaymentAddress, e.feeAddress, fee)
		if err != nil {
			return e.fail(ctx, order, fmt.Sprintf("fee send failed: %v", err))
		}
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.SetOrderFeeTxID(order.ID, txid); err != nil {
				return err
			}
			return tx.OrderAddConfirmed(order.ID, chain.EVR, -fee)
		})
		if err != nil {
			return err
		}
		e.logger.Info("Collected marketplace fee",
			zap.String("order_id", order.ID),
			zap.Int64("amount", fee),
			zap.String("tx_hash", txid))
	}

	if order.PayoutTxID == nil && proceeds > 0 {
		txid, err := e.node.SendFromAddress(order.PaymentAddress, listing.SellerAddress, proceeds)
		if err != nil {
			return e.fail(ctx, order, fmt.Sprintf("seller payout failed: %v", err))
		}
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.SetOrderPayoutTxID(order.ID, txid); err != nil {
				return err
			}
			return tx.OrderAddConfirmed(order.ID, chain.EVR, -proceeds)
		})
		if err != nil {
			return err
		}
		e.logger.Info("Remitted seller proceeds",
			zap.String("order_id", order.ID),
			zap.String("seller_address", listing.SellerAddress),
			zap.Int64("amount", proceeds),
			zap.String("tx_hash", txid))
	}
	return nil
}

// fail parks the order in error for operator review. Item and txid state
// is kept so a manual retry resumes rather than repeats.
func (e *Engine) fail(ctx context.Context, order *model.Order, reason string) error {
	e.logger.Error("Parking order in error state",
		zap.String("order_id", order.ID),
		zap.String("reason", reason))

	return e.store.InTx(ctx, func(tx store.Tx) error {
		moved, err := tx.TransitionOrderStatus(order.ID, []string{model.OrderFulfilling}, model.OrderError)
		if err != nil || !moved {
			return err
		}
		return e.emitStatus(tx, order, model.OrderError, reason)
	})
}

func (e *Engine) loadOrder(ctx context.Context, orderID string) (*model.Order, []model.OrderItem, *model.Listing, error) {
	var (
		order   *model.Order
		items   []model.OrderItem
		listing *model.Listing
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if order, err = tx.GetOrder(orderID); err != nil || order == nil {
			return err
		}
		if items, err = tx.OrderItems(orderID); err != nil {
			return err
		}
		listing, err = tx.GetListing(order.ListingID)
		return err
	})
	return order, items, listing, err
}

func (e *Engine) emitStatus(tx store.Tx, order *model.Order, to, reason string) error {
	blob, err := json.Marshal(events.OrderStatusChanged{
		OrderID:    order.ID,
		ListingID:  order.ListingID,
		FromStatus: order.Status,
		ToStatus:   to,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return tx.StoreEvent(events.TypeOrderStatusChanged, order.ID, blob)
}
