package chain

// EVR is the asset name of the base currency.
const EVR = "EVR"

// ValidateAddressResult models the fields of validateaddress this system
// cares about.
type ValidateAddressResult struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
	IsMine  bool   `json:"ismine"`
}

// AddressBalance is one entry of getaddressbalance with includeAssets on.
// Balances are reported by the node in base units already.
type AddressBalance struct {
	AssetName string `json:"assetName"`
	Balance   int64  `json:"balance"`
	Received  int64  `json:"received"`
}

// WalletTxDetail is one EVR-moving leg of a wallet transaction.
type WalletTxDetail struct {
	Address   string  `json:"address"`
	Category  string  `json:"category"` // "send" or "receive"
	Amount    float64 `json:"amount"`
	Vout      uint32  `json:"vout"`
	Abandoned bool    `json:"abandoned"`
}

// WalletTxAssetDetail is one asset-moving leg of a wallet transaction.
type WalletTxAssetDetail struct {
	AssetType   string  `json:"asset_type"`
	AssetName   string  `json:"asset_name"`
	Destination string  `json:"destination"`
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Vout        uint32  `json:"vout"`
	Abandoned   bool    `json:"abandoned"`
}

// WalletTransaction models gettransaction for wallet-owned transactions.
type WalletTransaction struct {
	TxID             string                `json:"txid"`
	Amount           float64               `json:"amount"`
	Fee              float64               `json:"fee"`
	Confirmations    int64                 `json:"confirmations"`
	Trusted          bool                  `json:"trusted"`
	BlockHash        string                `json:"blockhash"`
	Time             int64                 `json:"time"`
	TimeReceived     int64                 `json:"timereceived"`
	BIP125Replaceable string               `json:"bip125-replaceable"` // "yes", "no" or "unknown"
	Details          []WalletTxDetail      `json:"details"`
	AssetDetails     []WalletTxAssetDetail `json:"asset_details"`
}

// Replaceable reports whether the transaction is still fee-bump eligible.
func (tx *WalletTransaction) Replaceable() bool {
	return tx.BIP125Replaceable == "yes"
}

// BlockResult models getblock at verbosity 1.
type BlockResult struct {
	Hash          string   `json:"hash"`
	Height        int64    `json:"height"`
	Time          int64    `json:"time"`
	Confirmations int64    `json:"confirmations"`
	PreviousHash  string   `json:"previousblockhash"`
	Tx            []string `json:"tx"`
}
