package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
)

const entryColumns = `tx_hash, address, direction, asset_name, amount, fee,
	confirmations, block_height, time, asset_kind, trusted, replaceable,
	abandoned, created_at, updated_at`

// LedgerRepository persists blocks and address-scoped transaction entries.
type LedgerRepository struct {
	logger *zap.Logger
}

func NewLedgerRepository(logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{logger: logger}
}

// InsertBlock records a block. A different hash at a known height replaces
// the reorged-out row, so ingestion keeps working across reorgs.
func (r *LedgerRepository) InsertBlock(q Querier, block model.Block) error {
	_, err := q.Exec(`
		INSERT INTO blocks (hash, height, timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (height) DO UPDATE
		SET hash = EXCLUDED.hash, timestamp = EXCLUDED.timestamp
	`, block.Hash, block.Height, block.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

func (r *LedgerRepository) HasBlock(q Querier, hash string) (bool, error) {
	var exists bool
	err := q.QueryRow(`SELECT EXISTS(SELECT 1 FROM blocks WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepository) GetBlock(q Querier, hash string) (*model.Block, error) {
	var block model.Block
	err := q.QueryRow(`
		SELECT hash, height, timestamp FROM blocks WHERE hash = $1
	`, hash).Scan(&block.Hash, &block.Height, &block.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return &block, nil
}

func (r *LedgerRepository) DeleteBlock(q Querier, hash string) error {
	if _, err := q.Exec(`DELETE FROM blocks WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// LastBlockHeight returns the highest recorded height, or ok=false when no
// block has been processed yet.
func (r *LedgerRepository) LastBlockHeight(q Querier) (int64, bool, error) {
	var height int64
	err := q.QueryRow(`SELECT height FROM blocks ORDER BY height DESC LIMIT 1`).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last block height: %w", err)
	}
	return height, true, nil
}

func scanEntry(scanner interface{ Scan(...interface{}) error }) (model.TransactionEntry, error) {
	var entry model.TransactionEntry
	err := scanner.Scan(&entry.TxHash, &entry.Address, &entry.Direction,
		&entry.AssetName, &entry.Amount, &entry.Fee, &entry.Confirmations,
		&entry.BlockHeight, &entry.Time, &entry.AssetKind, &entry.Trusted,
		&entry.Replaceable, &entry.Abandoned, &entry.CreatedAt, &entry.UpdatedAt)
	return entry, err
}

// GetEntryForUpdate reads one entry by primary key with a row lock, so the
// caller can apply a monotonic confirmation transition.
func (r *LedgerRepository) GetEntryForUpdate(q Querier, txHash, address, direction, assetName string) (*model.TransactionEntry, error) {
	row := q.QueryRow(`
		SELECT `+entryColumns+`
		FROM transaction_entries
		WHERE tx_hash = $1 AND address = $2 AND direction = $3 AND asset_name = $4
		FOR UPDATE
	`, txHash, address, direction, assetName)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction entry: %w", err)
	}
	return &entry, nil
}

func (r *LedgerRepository) InsertEntry(q Querier, entry model.TransactionEntry) error {
	_, err := q.Exec(`
		INSERT INTO transaction_entries (tx_hash, address, direction, asset_name,
			amount, fee, confirmations, block_height, time, asset_kind,
			trusted, replaceable, abandoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.TxHash, entry.Address, entry.Direction, entry.AssetName,
		entry.Amount, entry.Fee, entry.Confirmations, entry.BlockHeight,
		entry.Time, entry.AssetKind, entry.Trusted, entry.Replaceable,
		entry.Abandoned)

	if err != nil {
		return fmt.Errorf("failed to insert transaction entry: %w", err)
	}

	r.logger.Info("Recorded transaction entry",
		zap.String("tx_hash", entry.TxHash),
		zap.String("address", entry.Address),
		zap.String("direction", entry.Direction),
		zap.String("asset_name", entry.AssetName),
		zap.Int64("amount", entry.Amount),
		zap.Int64("confirmations", entry.Confirmations))
	return nil
}

// UpdateEntryConfirmations advances an entry's confirmation count and,
// when known, its containing block height.
func (r *LedgerRepository) UpdateEntryConfirmations(q Querier, entry model.TransactionEntry, confirmations int64, blockHeight *int64) error {
	_, err := q.Exec(`
		UPDATE transaction_entries
		SET confirmations = $5,
			block_height = COALESCE($6, block_height),
			trusted = $7,
			replaceable = $8,
			updated_at = NOW()
		WHERE tx_hash = $1 AND address = $2 AND direction = $3 AND asset_name = $4
	`, entry.TxHash, entry.Address, entry.Direction, entry.AssetName,
		confirmations, blockHeight, entry.Trusted, entry.Replaceable)

	if err != nil {
		return fmt.Errorf("failed to update entry confirmations: %w", err)
	}
	return nil
}

// MarkEntriesAbandoned flags every live unsettled entry of a transaction
// as evicted and returns the entries that were flagged so the caller can
// reverse their balance contributions. Entries at or past the finality
// depth are left alone: their balances already settled.
func (r *LedgerRepository) MarkEntriesAbandoned(q Querier, txHash string, depth int64) ([]model.TransactionEntry, error) {
	rows, err := q.Query(`
		UPDATE transaction_entries
		SET abandoned = TRUE, confirmations = $2, updated_at = NOW()
		WHERE tx_hash = $1 AND NOT abandoned
			AND confirmations >= 0 AND confirmations < $3
		RETURNING `+entryColumns+`
	`, txHash, model.AbandonedConfirmations, depth)

	if err != nil {
		return nil, fmt.Errorf("failed to mark entries abandoned: %w", err)
	}
	defer rows.Close()

	var entries []model.TransactionEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan abandoned entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EntriesCrossingDepth lists non-abandoned entries below the finality
// depth that would reach it at the given tip height.
func (r *LedgerRepository) EntriesCrossingDepth(q Querier, tipHeight, depth int64) ([]model.TransactionEntry, error) {
	rows, err := q.Query(`
		SELECT `+entryColumns+`
		FROM transaction_entries
		WHERE NOT abandoned
			AND block_height IS NOT NULL
			AND confirmations >= 0 AND confirmations < $2
			AND $1 - block_height + 1 >= $2
		FOR UPDATE
	`, tipHeight, depth)

	if err != nil {
		return nil, fmt.Errorf("failed to select crossing entries: %w", err)
	}
	defer rows.Close()

	var entries []model.TransactionEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crossing entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ResetEntriesFromHeight puts entries mined at or above a disconnected
// height back to unconfirmed. Settled entries stay settled; a reorg that
// deep is outside the finality assumption.
func (r *LedgerRepository) ResetEntriesFromHeight(q Querier, height, depth int64) (int64, error) {
	res, err := q.Exec(`
		UPDATE transaction_entries
		SET confirmations = 0, block_height = NULL, updated_at = NOW()
		WHERE NOT abandoned
			AND block_height IS NOT NULL AND block_height >= $1
			AND confirmations >= 0 AND confirmations < $2
	`, height, depth)

	if err != nil {
		return 0, fmt.Errorf("failed to reset entries: %w", err)
	}
	return res.RowsAffected()
}

// AdvanceConfirmations recomputes confirmations for mined entries still
// below the finality depth. Counts never decrease.
func (r *LedgerRepository) AdvanceConfirmations(q Querier, tipHeight, depth int64) error {
	_, err := q.Exec(`
		UPDATE transaction_entries
		SET confirmations = $1 - block_height + 1, updated_at = NOW()
		WHERE NOT abandoned
			AND block_height IS NOT NULL
			AND confirmations >= 0 AND confirmations < $2
			AND $1 - block_height + 1 > confirmations
	`, tipHeight, depth)

	if err != nil {
		return fmt.Errorf("failed to advance confirmations: %w", err)
	}
	return nil
}
