package chain

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"
)

const (
	methodValidateAddress     = "validateaddress"
	methodGetNewAddress       = "getnewaddress"
	methodGetAddressBalance   = "getaddressbalance"
	methodGetTransaction      = "gettransaction"
	methodGetBlock            = "getblock"
	methodGetBlockHash        = "getblockhash"
	methodGetBlockCount       = "getblockcount"
	methodGetBestBlockHash    = "getbestblockhash"
	methodTransferFromAddress = "transferfromaddress"
	methodSendFromAddress     = "sendfromaddress"
)

// RawRequester is the subset of rpcclient.Client the chain client needs,
// so tests can stub the node.
type RawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
	WaitForShutdown()
}

// Client is a synchronous facade over the Evrmore node's command
// interface. It is stateless and safe for concurrent use; fork-specific
// commands go through RawRequest since no typed client covers them.
type Client struct {
	requester RawRequester
	logger    *zap.Logger
}

// Connect dials the node over HTTP POST JSON-RPC.
func Connect(host, user, pass string, logger *zap.Logger) (*Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         host,
		User:         user,
		Pass:         pass,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating node RPC client: %w", err)
	}

	return New(client, logger), nil
}

// New wraps an existing requester.
func New(requester RawRequester, logger *zap.Logger) *Client {
	return &Client{requester: requester, logger: logger}
}

// Shutdown tears down the underlying RPC connection.
func (c *Client) Shutdown() {
	c.requester.Shutdown()
	c.requester.WaitForShutdown()
}

type anylist []interface{}

// call marshals parameters, sends the request via RawRequest and, when
// thing is non-nil, unmarshals the result into it. Errors carry the
// taxonomy classification.
func (c *Client) call(method string, args anylist, thing interface{}) error {
	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return &Error{Kind: KindInvalidParameter, Method: method, Err: err}
		}
		params = append(params, p)
	}
	b, err := c.requester.RawRequest(method, params)
	if err != nil {
		return classify(method, err)
	}
	if thing != nil {
		if err := json.Unmarshal(b, thing); err != nil {
			return &Error{Kind: KindNodeRejected, Method: method, Err: fmt.Errorf("malformed result: %w", err)}
		}
	}
	return nil
}

// ValidateAddress checks address syntax and wallet ownership.
func (c *Client) ValidateAddress(address string) (*ValidateAddressResult, error) {
	res := new(ValidateAddressResult)
	if err := c.call(methodValidateAddress, anylist{address}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// NewAddress has the node wallet generate a fresh receiving address.
func (c *Client) NewAddress() (string, error) {
	var address string
	if err := c.call(methodGetNewAddress, nil, &address); err != nil {
		return "", err
	}
	return address, nil
}

// GetBalance returns the confirmed balance of one asset on one address, in
// base units. Asset EVR queries the base currency.
func (c *Client) GetBalance(address, asset string) (int64, error) {
	if asset == EVR {
		var res struct {
			Balance  int64 `json:"balance"`
			Received int64 `json:"received"`
		}
		err := c.call(methodGetAddressBalance, anylist{map[string][]string{"addresses": {address}}}, &res)
		if err != nil {
			return 0, err
		}
		return res.Balance, nil
	}

	var balances []AddressBalance
	err := c.call(methodGetAddressBalance, anylist{map[string][]string{"addresses": {address}}, true}, &balances)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.AssetName == asset {
			return b.Balance, nil
		}
	}
	return 0, nil
}

// GetTransaction looks up a wallet transaction by hash. Non-wallet hashes
// come back as KindNotFound.
func (c *Client) GetTransaction(txHash string) (*WalletTransaction, error) {
	res := new(WalletTransaction)
	if err := c.call(methodGetTransaction, anylist{txHash}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetBlock fetches a block with its transaction id list.
func (c *Client) GetBlock(blockHash string) (*BlockResult, error) {
	res := new(BlockResult)
	if err := c.call(methodGetBlock, anylist{blockHash, 1}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetBlockHash(height int64) (string, error) {
	var hash string
	if err := c.call(methodGetBlockHash, anylist{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Client) GetBlockCount() (int64, error) {
	var count int64
	if err := c.call(methodGetBlockCount, nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) GetBestBlockHash() (string, error) {
	var hash string
	if err := c.call(methodGetBestBlockHash, nil, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// TransferAsset moves amount of asset from one wallet-owned address to a
// destination, keeping asset change on the source address. Returns the
// payout transaction id.
func (c *Client) TransferAsset(from, to, asset string, amount int64) (string, error) {
	qty := btcutil.Amount(amount).ToBTC()
	var txids []string
	err := c.call(methodTransferFromAddress, anylist{asset, from, qty, to, "", 0, from, from}, &txids)
	if err != nil {
		return "", err
	}
	if len(txids) == 0 {
		return "", &Error{Kind: KindNodeRejected, Method: methodTransferFromAddress, Err: fmt.Errorf("node returned no txid")}
	}
	return txids[0], nil
}

// SendFromAddress sends base-currency amount from one wallet-owned
// address, with change returning to the source address.
func (c *Client) SendFromAddress(from, to string, amount int64) (string, error) {
	qty := btcutil.Amount(amount).ToBTC()
	var txid string
	if err := c.call(methodSendFromAddress, anylist{from, to, qty}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// AmountFromFloat converts a node-reported coin value into base units.
func AmountFromFloat(value float64) (int64, error) {
	amt, err := btcutil.NewAmount(value)
	if err != nil {
		return 0, fmt.Errorf("bad amount %f: %w", value, err)
	}
	if amt < 0 {
		amt = -amt
	}
	return int64(amt), nil
}
