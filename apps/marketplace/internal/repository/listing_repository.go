package repository

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
)

const listingColumns = `id, seller_address, deposit_address, name, description, status, created_at, updated_at`

type ListingRepository struct {
	logger *zap.Logger
}

func NewListingRepository(logger *zap.Logger) *ListingRepository {
	return &ListingRepository{logger: logger}
}

func (r *ListingRepository) CreateListing(q Querier, listing model.Listing, prices []model.ListingPrice) error {
	_, err := q.Exec(`
		INSERT INTO listings (id, seller_address, deposit_address, name, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, listing.ID, listing.SellerAddress, listing.DepositAddress, listing.Name,
		listing.Description, listing.Status)

	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}

	for _, price := range prices {
		_, err := q.Exec(`
			INSERT INTO listing_prices (listing_id, asset_name, price_evr, price_asset_name, price_asset_amount)
			VALUES ($1, $2, $3, $4, $5)
		`, listing.ID, price.AssetName, price.PriceEvr, price.PriceAssetName, price.PriceAssetAmount)
		if err != nil {
			return fmt.Errorf("failed to create listing price: %w", err)
		}

		// Seed the balance row so reads never miss.
		_, err = q.Exec(`
			INSERT INTO listing_balances (listing_id, asset_name)
			VALUES ($1, $2)
			ON CONFLICT (listing_id, asset_name) DO NOTHING
		`, listing.ID, price.AssetName)
		if err != nil {
			return fmt.Errorf("failed to seed listing balance: %w", err)
		}
	}

	r.logger.Info("Created listing",
		zap.String("listing_id", listing.ID),
		zap.String("deposit_address", listing.DepositAddress),
		zap.Int("assets", len(prices)))
	return nil
}

func scanListing(row *sql.Row) (*model.Listing, error) {
	var listing model.Listing
	err := row.Scan(&listing.ID, &listing.SellerAddress, &listing.DepositAddress,
		&listing.Name, &listing.Description, &listing.Status,
		&listing.CreatedAt, &listing.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}
	return &listing, nil
}

func (r *ListingRepository) GetListing(q Querier, id string) (*model.Listing, error) {
	return scanListing(q.QueryRow(`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
}

// GetListingByDepositAddress resolves the owning listing of a wallet
// address, or nil when the address is not a listing deposit address.
func (r *ListingRepository) GetListingByDepositAddress(q Querier, address string) (*model.Listing, error) {
	return scanListing(q.QueryRow(`SELECT `+listingColumns+` FROM listings WHERE deposit_address = $1`, address))
}

func (r *ListingRepository) UpdateListingStatus(q Querier, id, status string) error {
	_, err := q.Exec(`
		UPDATE listings SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	return nil
}

func (r *ListingRepository) UpdateListingDetails(q Querier, id, name, description string) error {
	_, err := q.Exec(`
		UPDATE listings SET name = $2, description = $3, updated_at = NOW() WHERE id = $1
	`, id, name, description)
	if err != nil {
		return fmt.Errorf("failed to update listing details: %w", err)
	}
	return nil
}

func (r *ListingRepository) GetPrices(q Querier, listingID string) ([]model.ListingPrice, error) {
	rows, err := q.Query(`
		SELECT listing_id, asset_name, price_evr, price_asset_name, price_asset_amount
		FROM listing_prices
		WHERE listing_id = $1
		ORDER BY asset_name
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing prices: %w", err)
	}
	defer rows.Close()

	var prices []model.ListingPrice
	for rows.Next() {
		var price model.ListingPrice
		if err := rows.Scan(&price.ListingID, &price.AssetName, &price.PriceEvr,
			&price.PriceAssetName, &price.PriceAssetAmount); err != nil {
			return nil, fmt.Errorf("failed to scan listing price: %w", err)
		}
		prices = append(prices, price)
	}
	return prices, rows.Err()
}

func (r *ListingRepository) GetBalances(q Querier, listingID string) ([]model.ListingBalance, error) {
	rows, err := q.Query(`
		SELECT listing_id, asset_name, confirmed_balance, pending_balance,
			last_confirmed_tx_hash, last_confirmed_tx_time, updated_at
		FROM listing_balances
		WHERE listing_id = $1
		ORDER BY asset_name
	`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing balances: %w", err)
	}
	defer rows.Close()

	var balances []model.ListingBalance
	for rows.Next() {
		var b model.ListingBalance
		if err := rows.Scan(&b.ListingID, &b.AssetName, &b.ConfirmedBalance,
			&b.PendingBalance, &b.LastConfirmedTxHash, &b.LastConfirmedTxTime,
			&b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetBalanceForUpdate reads one listing balance with a row lock, creating
// the zero row on first touch.
func (r *ListingRepository) GetBalanceForUpdate(q Querier, listingID, assetName string) (*model.ListingBalance, error) {
	_, err := q.Exec(`
		INSERT INTO listing_balances (listing_id, asset_name)
		VALUES ($1, $2)
		ON CONFLICT (listing_id, asset_name) DO NOTHING
	`, listingID, assetName)
	if err != nil {
		return nil, fmt.Errorf("failed to seed listing balance: %w", err)
	}

	var b model.ListingBalance
	err = q.QueryRow(`
		SELECT listing_id, asset_name, confirmed_balance, pending_balance,
			last_confirmed_tx_hash, last_confirmed_tx_time, updated_at
		FROM listing_balances
		WHERE listing_id = $1 AND asset_name = $2
		FOR UPDATE
	`, listingID, assetName).Scan(&b.ListingID, &b.AssetName, &b.ConfirmedBalance,
		&b.PendingBalance, &b.LastConfirmedTxHash, &b.LastConfirmedTxTime, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock listing balance: %w", err)
	}
	return &b, nil
}

// AddPending adjusts the pending balance by delta (negative to reverse).
func (r *ListingRepository) AddPending(q Querier, listingID, assetName string, delta int64) error {
	_, err := q.Exec(`
		UPDATE listing_balances
		SET pending_balance = pending_balance + $3, updated_at = NOW()
		WHERE listing_id = $1 AND asset_name = $2
	`, listingID, assetName, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust listing pending balance: %w", err)
	}
	return nil
}

// ConfirmPending moves amount from pending to confirmed and records the
// confirming transaction.
func (r *ListingRepository) ConfirmPending(q Querier, listingID, assetName string, amount int64, txHash string, txTime time.Time) error {
	_, err := q.Exec(`
		UPDATE listing_balances
		SET pending_balance = pending_balance - $3,
			confirmed_balance = confirmed_balance + $3,
			last_confirmed_tx_hash = $4,
			last_confirmed_tx_time = $5,
			updated_at = NOW()
		WHERE listing_id = $1 AND asset_name = $2
	`, listingID, assetName, amount, txHash, txTime)
	if err != nil {
		return fmt.Errorf("failed to confirm listing balance: %w", err)
	}
	return nil
}

// AddConfirmed adjusts the confirmed balance by delta (negative for
// outbound transfers).
func (r *ListingRepository) AddConfirmed(q Querier, listingID, assetName string, delta int64) error {
	_, err := q.Exec(`
		UPDATE listing_balances
		SET confirmed_balance = confirmed_balance + $3, updated_at = NOW()
		WHERE listing_id = $1 AND asset_name = $2
	`, listingID, assetName, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust listing confirmed balance: %w", err)
	}
	return nil
}
