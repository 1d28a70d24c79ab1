package repository

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
)

// Orders still awaiting payment are the only ones hold expiry may cancel.
var statusesAwaitingPayment = pq.Array([]string{model.OrderPending, model.OrderPartiallyPaid})

type HoldRepository struct {
	logger *zap.Logger
}

func NewHoldRepository(logger *zap.Logger) *HoldRepository {
	return &HoldRepository{logger: logger}
}

// ActiveHoldTotal sums unexpired holds on one listing asset, excluding the
// given order's own hold.
func (r *HoldRepository) ActiveHoldTotal(q Querier, listingID, assetName, excludeOrderID string, now time.Time) (int64, error) {
	var total int64
	err := q.QueryRow(`
		SELECT COALESCE(SUM(amount), 0)
		FROM holds
		WHERE listing_id = $1 AND asset_name = $2 AND order_id <> $3 AND expires_at > $4
	`, listingID, assetName, excludeOrderID, now).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum active holds: %w", err)
	}
	return total, nil
}

func (r *HoldRepository) InsertHold(q Querier, hold model.Hold) error {
	_, err := q.Exec(`
		INSERT INTO holds (listing_id, asset_name, order_id, amount, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, hold.ListingID, hold.AssetName, hold.OrderID, hold.Amount, hold.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}

	r.logger.Info("Placed hold",
		zap.String("listing_id", hold.ListingID),
		zap.String("asset_name", hold.AssetName),
		zap.String("order_id", hold.OrderID),
		zap.Int64("amount", hold.Amount))
	return nil
}

// ReleaseByOrder deletes all of an order's holds; idempotent.
func (r *HoldRepository) ReleaseByOrder(q Querier, orderID string) error {
	_, err := q.Exec(`DELETE FROM holds WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("failed to release holds: %w", err)
	}
	return nil
}

// ReleaseOne deletes a single item's hold after fulfillment.
func (r *HoldRepository) ReleaseOne(q Querier, listingID, assetName, orderID string) error {
	_, err := q.Exec(`
		DELETE FROM holds
		WHERE listing_id = $1 AND asset_name = $2 AND order_id = $3
	`, listingID, assetName, orderID)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	return nil
}

// ExpiredOrderIDs lists orders whose holds have lapsed while the order is
// still awaiting payment.
func (r *HoldRepository) ExpiredOrderIDs(q Querier, now time.Time) ([]string, error) {
	rows, err := q.Query(`
		SELECT DISTINCT h.order_id
		FROM holds h
		JOIN orders o ON o.id = h.order_id
		WHERE h.expires_at < $1 AND o.status = ANY($2)
	`, now, statusesAwaitingPayment)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired holds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *HoldRepository) GetHoldsByOrder(q Querier, orderID string) ([]model.Hold, error) {
	rows, err := q.Query(`
		SELECT listing_id, asset_name, order_id, amount, created_at, expires_at
		FROM holds
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holds: %w", err)
	}
	defer rows.Close()

	var holds []model.Hold
	for rows.Next() {
		var hold model.Hold
		if err := rows.Scan(&hold.ListingID, &hold.AssetName, &hold.OrderID,
			&hold.Amount, &hold.CreatedAt, &hold.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}
