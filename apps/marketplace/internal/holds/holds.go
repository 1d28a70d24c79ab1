// Package holds reserves listing inventory for orders awaiting payment and
// expires reservations whose buyers never paid.
package holds

import (
	"fmt"
	"time"

	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// InsufficientBalanceError reports the first asset that could not be
// reserved. Nothing is reserved when it is returned: the enclosing
// transaction rolls back.
type InsufficientBalanceError struct {
	AssetName string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance of %s: %d available, %d requested",
		e.AssetName, e.Available, e.Requested)
}

// Reserve places one hold per order item against the listing's confirmed
// inventory, all inside the caller's transaction. Available inventory is
// the confirmed balance minus every other order's unexpired holds; the
// order's own prior holds do not count against it, which makes retried
// reservations safe.
func Reserve(tx store.Tx, listingID, orderID string, items []model.OrderItem, now time.Time, ttl time.Duration) error {
	expiresAt := now.Add(ttl)
	for _, item := range items {
		balance, err := tx.ListingBalanceForUpdate(listingID, item.AssetName)
		if err != nil {
			return err
		}
		held, err := tx.ActiveHoldTotal(listingID, item.AssetName, orderID, now)
		if err != nil {
			return err
		}

		available := balance.ConfirmedBalance - held
		if available < item.Amount {
			return &InsufficientBalanceError{
				AssetName: item.AssetName,
				Available: available,
				Requested: item.Amount,
			}
		}

		if err := tx.InsertHold(model.Hold{
			ListingID: listingID,
			AssetName: item.AssetName,
			OrderID:   orderID,
			Amount:    item.Amount,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}); err != nil {
			return err
		}
	}
	return nil
}
