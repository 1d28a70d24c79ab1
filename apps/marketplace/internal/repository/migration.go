package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database schema. Evolution is append-only:
// new statements go at the end of the list and must be safe to re-run.
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			hash TEXT PRIMARY KEY,
			height BIGINT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_height ON blocks (height)`,
		`CREATE TABLE IF NOT EXISTS transaction_entries (
			tx_hash TEXT NOT NULL,
			address TEXT NOT NULL,
			direction TEXT NOT NULL,
			asset_name TEXT NOT NULL,
			amount BIGINT NOT NULL,
			fee BIGINT NOT NULL DEFAULT 0,
			confirmations BIGINT NOT NULL DEFAULT 0,
			block_height BIGINT,
			time TIMESTAMPTZ NOT NULL,
			asset_kind TEXT NOT NULL DEFAULT '',
			trusted BOOLEAN NOT NULL DEFAULT FALSE,
			replaceable BOOLEAN NOT NULL DEFAULT FALSE,
			abandoned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tx_hash, address, direction, asset_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_entries_address ON transaction_entries (address)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_entries_pending ON transaction_entries (confirmations) WHERE NOT abandoned`,
		`CREATE TABLE IF NOT EXISTS listings (
			id UUID PRIMARY KEY,
			seller_address TEXT NOT NULL,
			deposit_address TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_deposit_address ON listings (deposit_address)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings (seller_address)`,
		`CREATE TABLE IF NOT EXISTS listing_prices (
			listing_id UUID NOT NULL REFERENCES listings(id),
			asset_name TEXT NOT NULL,
			price_evr BIGINT NOT NULL DEFAULT 0,
			price_asset_name TEXT,
			price_asset_amount BIGINT,
			PRIMARY KEY (listing_id, asset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS listing_balances (
			listing_id UUID NOT NULL REFERENCES listings(id),
			asset_name TEXT NOT NULL,
			confirmed_balance BIGINT NOT NULL DEFAULT 0 CHECK (confirmed_balance >= 0),
			pending_balance BIGINT NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
			last_confirmed_tx_hash TEXT,
			last_confirmed_tx_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (listing_id, asset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			listing_id UUID NOT NULL REFERENCES listings(id),
			buyer_address TEXT NOT NULL,
			payment_address TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			fee_txid TEXT,
			payout_txid TEXT,
			refund_txid TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_payment_address ON orders (payment_address)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders (buyer_address)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id UUID NOT NULL REFERENCES orders(id),
			asset_name TEXT NOT NULL,
			amount BIGINT NOT NULL,
			price_evr BIGINT NOT NULL,
			fee_evr BIGINT NOT NULL,
			fulfilled BOOLEAN NOT NULL DEFAULT FALSE,
			payout_tx_hash TEXT,
			PRIMARY KEY (order_id, asset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS order_balances (
			order_id UUID NOT NULL REFERENCES orders(id),
			asset_name TEXT NOT NULL,
			confirmed_balance BIGINT NOT NULL DEFAULT 0 CHECK (confirmed_balance >= 0),
			pending_balance BIGINT NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
			last_confirmed_tx_hash TEXT,
			last_confirmed_tx_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_id, asset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS holds (
			listing_id UUID NOT NULL REFERENCES listings(id),
			asset_name TEXT NOT NULL,
			order_id UUID NOT NULL REFERENCES orders(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (listing_id, asset_name, order_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_expires ON holds (expires_at)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unsent',
			event_blob JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_unsent ON event_outbox (created_at) WHERE status = 'unsent'`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
