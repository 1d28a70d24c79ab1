package holds

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/events"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// Sweeper cancels unpaid orders whose holds have lapsed and returns the
// reserved inventory to the listing.
type Sweeper struct {
	logger   *zap.Logger
	store    store.Store
	interval time.Duration
}

func NewSweeper(st store.Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{logger: logger, store: st, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Hold expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce cancels every order with lapsed holds. Each order is handled
// in its own transaction so one conflict does not stall the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	var orderIDs []string
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		ids, err := tx.ExpiredHoldOrderIDs(time.Now())
		if err != nil {
			return err
		}
		orderIDs = ids
		return nil
	})
	if err != nil {
		return err
	}

	for _, orderID := range orderIDs {
		if err := s.expireOrder(ctx, orderID); err != nil {
			s.logger.Error("Failed to expire order",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) expireOrder(ctx context.Context, orderID string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}

		// The order may have been paid between the scan and now; the
		// guarded transition keeps such races harmless.
		moved, err := tx.TransitionOrderStatus(orderID,
			[]string{model.OrderPending, model.OrderPartiallyPaid}, model.OrderCancelled)
		if err != nil || !moved {
			return err
		}
		if err := tx.ReleaseHoldsByOrder(orderID); err != nil {
			return err
		}

		s.logger.Info("Cancelled expired order",
			zap.String("order_id", orderID),
			zap.String("listing_id", order.ListingID))

		blob, err := json.Marshal(events.OrderStatusChanged{
			OrderID:    orderID,
			ListingID:  order.ListingID,
			FromStatus: order.Status,
			ToStatus:   model.OrderCancelled,
			Reason:     "hold expired",
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.StoreEvent(events.TypeOrderStatusChanged, orderID, blob)
	})
}
