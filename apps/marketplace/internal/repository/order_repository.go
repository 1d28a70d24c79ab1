package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
)

const orderColumns = `id, listing_id, buyer_address, payment_address, status,
	fee_txid, payout_txid, refund_txid, created_at, updated_at`

type OrderRepository struct {
	logger *zap.Logger
}

func NewOrderRepository(logger *zap.Logger) *OrderRepository {
	return &OrderRepository{logger: logger}
}

func (r *OrderRepository) CreateOrder(q Querier, order model.Order, items []model.OrderItem) error {
	_, err := q.Exec(`
		INSERT INTO orders (id, listing_id, buyer_address, payment_address, status)
		VALUES ($1, $2, $3, $4, $5)
	`, order.ID, order.ListingID, order.BuyerAddress, order.PaymentAddress, order.Status)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range items {
		_, err := q.Exec(`
			INSERT INTO order_items (order_id, asset_name, amount, price_evr, fee_evr)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, item.AssetName, item.Amount, item.PriceEvr, item.FeeEvr)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	// Seed the EVR payment balance row.
	_, err = q.Exec(`
		INSERT INTO order_balances (order_id, asset_name)
		VALUES ($1, 'EVR')
		ON CONFLICT (order_id, asset_name) DO NOTHING
	`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to seed order balance: %w", err)
	}

	r.logger.Info("Created order",
		zap.String("order_id", order.ID),
		zap.String("listing_id", order.ListingID),
		zap.String("payment_address", order.PaymentAddress),
		zap.Int("items", len(items)))
	return nil
}

func scanOrder(scanner interface{ Scan(...interface{}) error }) (model.Order, error) {
	var order model.Order
	err := scanner.Scan(&order.ID, &order.ListingID, &order.BuyerAddress,
		&order.PaymentAddress, &order.Status, &order.FeeTxID, &order.PayoutTxID,
		&order.RefundTxID, &order.CreatedAt, &order.UpdatedAt)
	return order, err
}

func (r *OrderRepository) GetOrder(q Querier, id string) (*model.Order, error) {
	order, err := scanOrder(q.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// GetOrderForUpdate locks the order row for a status transition.
func (r *OrderRepository) GetOrderForUpdate(q Querier, id string) (*model.Order, error) {
	order, err := scanOrder(q.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

// GetOrderByPaymentAddress resolves the owning order of a payment address.
func (r *OrderRepository) GetOrderByPaymentAddress(q Querier, address string) (*model.Order, error) {
	order, err := scanOrder(q.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE payment_address = $1`, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by payment address: %w", err)
	}
	return &order, nil
}

// GetOrderHistory lists a buyer's orders, newest first.
func (r *OrderRepository) GetOrderHistory(q Querier, buyerAddress string) ([]model.Order, error) {
	rows, err := q.Query(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_address = $1
		ORDER BY created_at DESC
	`, buyerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// TransitionStatus moves an order from any of the listed statuses to the
// target. Returns false when the order was not in an eligible status, so
// concurrent sweeps cannot double-claim.
func (r *OrderRepository) TransitionStatus(q Querier, id string, from []string, to string) (bool, error) {
	res, err := q.Exec(`
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, pq.Array(from), to)
	if err != nil {
		return false, fmt.Errorf("failed to transition order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Info("Order status changed", zap.String("order_id", id), zap.String("status", to))
	}
	return n > 0, nil
}

// SelectOrdersByStatus lists order ids in a status, oldest first.
func (r *OrderRepository) SelectOrdersByStatus(q Querier, status string) ([]string, error) {
	rows, err := q.Query(`SELECT id FROM orders WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to select orders by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepository) GetItems(q Querier, orderID string) ([]model.OrderItem, error) {
	rows, err := q.Query(`
		SELECT order_id, asset_name, amount, price_evr, fee_evr, fulfilled, payout_tx_hash
		FROM order_items
		WHERE order_id = $1
		ORDER BY asset_name
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.OrderID, &item.AssetName, &item.Amount,
			&item.PriceEvr, &item.FeeEvr, &item.Fulfilled, &item.PayoutTxHash); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkItemFulfilled records the payout transaction for one line item.
func (r *OrderRepository) MarkItemFulfilled(q Querier, orderID, assetName, payoutTxHash string) error {
	_, err := q.Exec(`
		UPDATE order_items
		SET fulfilled = TRUE, payout_tx_hash = $3
		WHERE order_id = $1 AND asset_name = $2
	`, orderID, assetName, payoutTxHash)
	if err != nil {
		return fmt.Errorf("failed to mark item fulfilled: %w", err)
	}
	return nil
}

func (r *OrderRepository) SetFeeTxID(q Querier, orderID, txid string) error {
	_, err := q.Exec(`UPDATE orders SET fee_txid = $2, updated_at = NOW() WHERE id = $1`, orderID, txid)
	if err != nil {
		return fmt.Errorf("failed to set fee txid: %w", err)
	}
	return nil
}

func (r *OrderRepository) SetPayoutTxID(q Querier, orderID, txid string) error {
	_, err := q.Exec(`UPDATE orders SET payout_txid = $2, updated_at = NOW() WHERE id = $1`, orderID, txid)
	if err != nil {
		return fmt.Errorf("failed to set payout txid: %w", err)
	}
	return nil
}

func (r *OrderRepository) SetRefundTxID(q Querier, orderID, txid string) error {
	_, err := q.Exec(`UPDATE orders SET refund_txid = $2, updated_at = NOW() WHERE id = $1`, orderID, txid)
	if err != nil {
		return fmt.Errorf("failed to set refund txid: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetBalances(q Querier, orderID string) ([]model.OrderBalance, error) {
	rows, err := q.Query(`
		SELECT order_id, asset_name, confirmed_balance, pending_balance,
			last_confirmed_tx_hash, last_confirmed_tx_time, updated_at
		FROM order_balances
		WHERE order_id = $1
		ORDER BY asset_name
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order balances: %w", err)
	}
	defer rows.Close()

	var balances []model.OrderBalance
	for rows.Next() {
		var b model.OrderBalance
		if err := rows.Scan(&b.OrderID, &b.AssetName, &b.ConfirmedBalance,
			&b.PendingBalance, &b.LastConfirmedTxHash, &b.LastConfirmedTxTime,
			&b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetBalanceForUpdate reads one order balance with a row lock, creating
// the zero row on first touch.
func (r *OrderRepository) GetBalanceForUpdate(q Querier, orderID, assetName string) (*model.OrderBalance, error) {
	_, err := q.Exec(`
		INSERT INTO order_balances (order_id, asset_name)
		VALUES ($1, $2)
		ON CONFLICT (order_id, asset_name) DO NOTHING
	`, orderID, assetName)
	if err != nil {
		return nil, fmt.Errorf("failed to seed order balance: %w", err)
	}

	var b model.OrderBalance
	err = q.QueryRow(`
		SELECT order_id, asset_name, confirmed_balance, pending_balance,
			last_confirmed_tx_hash, last_confirmed_tx_time, updated_at
		FROM order_balances
		WHERE order_id = $1 AND asset_name = $2
		FOR UPDATE
	`, orderID, assetName).Scan(&b.OrderID, &b.AssetName, &b.ConfirmedBalance,
		&b.PendingBalance, &b.LastConfirmedTxHash, &b.LastConfirmedTxTime, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order balance: %w", err)
	}
	return &b, nil
}

func (r *OrderRepository) AddPending(q Querier, orderID, assetName string, delta int64) error {
	_, err := q.Exec(`
		UPDATE order_balances
		SET pending_balance = pending_balance + $3, updated_at = NOW()
		WHERE order_id = $1 AND asset_name = $2
	`, orderID, assetName, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust order pending balance: %w", err)
	}
	return nil
}

func (r *OrderRepository) ConfirmPending(q Querier, orderID, assetName string, amount int64, txHash string, txTime time.Time) error {
	_, err := q.Exec(`
		UPDATE order_balances
		SET pending_balance = pending_balance - $3,
			confirmed_balance = confirmed_balance + $3,
			last_confirmed_tx_hash = $4,
			last_confirmed_tx_time = $5,
			updated_at = NOW()
		WHERE order_id = $1 AND asset_name = $2
	`, orderID, assetName, amount, txHash, txTime)
	if err != nil {
		return fmt.Errorf("failed to confirm order balance: %w", err)
	}
	return nil
}

func (r *OrderRepository) AddConfirmed(q Querier, orderID, assetName string, delta int64) error {
	_, err := q.Exec(`
		UPDATE order_balances
		SET confirmed_balance = confirmed_balance + $3, updated_at = NOW()
		WHERE order_id = $1 AND asset_name = $2
	`, orderID, assetName, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust order confirmed balance: %w", err)
	}
	return nil
}
