package model

import (
	"time"
)

// Entry directions, relative to the wallet.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Asset operation kinds as reported by the node. Empty for plain EVR moves.
const (
	AssetKindNone     = ""
	AssetKindTransfer = "transfer_asset"
	AssetKindIssue    = "new_asset"
	AssetKindReissue  = "reissue_asset"
)

// AbandonedConfirmations is the confirmations sentinel stored when the node
// reports a transaction evicted from the mempool without confirming.
const AbandonedConfirmations = -1

// TransactionEntry is one wallet-level ledger row per
// (tx_hash, address, direction, asset_name). Amounts are in base units
// (1e-8 EVR / asset units).
type TransactionEntry struct {
	TxHash        string     `db:"tx_hash"`
	Address       string     `db:"address"`
	Direction     string     `db:"direction"`
	AssetName     string     `db:"asset_name"`
	Amount        int64      `db:"amount"`
	Fee           int64      `db:"fee"` // send-side only
	Confirmations int64      `db:"confirmations"`
	BlockHeight   *int64     `db:"block_height"` // nil while in mempool
	Time          time.Time  `db:"time"`
	AssetKind     string     `db:"asset_kind"`
	Trusted       bool       `db:"trusted"`
	Replaceable   bool       `db:"replaceable"`
	Abandoned     bool       `db:"abandoned"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}
