package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubRequester answers RawRequest from canned responses keyed by method.
type stubRequester struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []rawCall
}

type rawCall struct {
	method string
	params []json.RawMessage
}

func (s *stubRequester) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	s.calls = append(s.calls, rawCall{method: method, params: params})
	if err, ok := s.errs[method]; ok {
		return nil, err
	}
	if res, ok := s.responses[method]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (s *stubRequester) Shutdown()        {}
func (s *stubRequester) WaitForShutdown() {}

func newTestClient(stub *stubRequester) *Client {
	return New(stub, zap.NewNop())
}

func TestGetTransactionDecodesAssetDetails(t *testing.T) {
	stub := &stubRequester{responses: map[string]json.RawMessage{
		"gettransaction": json.RawMessage(`{
			"txid": "abc",
			"amount": 0,
			"fee": -0.0001,
			"confirmations": 3,
			"trusted": true,
			"blockhash": "deadbeef",
			"time": 1700000000,
			"bip125-replaceable": "no",
			"details": [
				{"address": "eAddr", "category": "receive", "amount": 1.5, "vout": 0}
			],
			"asset_details": [
				{"asset_type": "transfer_asset", "asset_name": "CARD", "destination": "eAddr",
				 "category": "receive", "amount": 2, "vout": 1}
			]
		}`),
	}}
	c := newTestClient(stub)

	tx, err := c.GetTransaction("abc")
	require.NoError(t, err)
	require.Equal(t, "abc", tx.TxID)
	require.Equal(t, int64(3), tx.Confirmations)
	require.False(t, tx.Replaceable())
	require.Len(t, tx.Details, 1)
	require.Len(t, tx.AssetDetails, 1)
	require.Equal(t, "CARD", tx.AssetDetails[0].AssetName)
}

func TestGetBalanceQueriesAssetsForNonEVR(t *testing.T) {
	stub := &stubRequester{responses: map[string]json.RawMessage{
		"getaddressbalance": json.RawMessage(`[
			{"assetName": "CARD", "balance": 500000000, "received": 500000000},
			{"assetName": "OTHER", "balance": 1, "received": 1}
		]`),
	}}
	c := newTestClient(stub)

	balance, err := c.GetBalance("eAddr", "CARD")
	require.NoError(t, err)
	require.Equal(t, int64(500000000), balance)

	// The includeAssets flag must be on the wire.
	require.Len(t, stub.calls, 1)
	require.Len(t, stub.calls[0].params, 2)
	require.JSONEq(t, `true`, string(stub.calls[0].params[1]))

	// Unknown assets read as zero.
	balance, err = c.GetBalance("eAddr", "MISSING")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestTransferAssetReturnsFirstTxid(t *testing.T) {
	stub := &stubRequester{responses: map[string]json.RawMessage{
		"transferfromaddress": json.RawMessage(`["txid-1"]`),
	}}
	c := newTestClient(stub)

	txid, err := c.TransferAsset("eFrom", "eTo", "CARD", 200000000)
	require.NoError(t, err)
	require.Equal(t, "txid-1", txid)

	// Quantity travels in whole units.
	require.JSONEq(t, `2`, string(stub.calls[0].params[2]))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "non-wallet transaction",
			err:  btcjson.NewRPCError(btcjson.ErrRPCInvalidAddressOrKey, "Invalid or non-wallet transaction id"),
			kind: KindNotFound,
		},
		{
			// ErrRPCNoTxInfo shares code -5 with ErrRPCInvalidAddressOrKey.
			name: "no tx info",
			err:  btcjson.NewRPCError(btcjson.ErrRPCNoTxInfo, "No such mempool or wallet transaction"),
			kind: KindNotFound,
		},
		{
			name: "bad parameter",
			err:  btcjson.NewRPCError(btcjson.ErrRPCInvalidParameter, "Invalid asset name"),
			kind: KindInvalidParameter,
		},
		{
			name: "locked wallet",
			err:  btcjson.NewRPCError(btcjson.ErrRPCWalletUnlockNeeded, "Please enter the wallet passphrase"),
			kind: KindUnauthenticated,
		},
		{
			name: "warming up",
			err:  btcjson.NewRPCError(btcjson.ErrRPCInWarmup, "Loading block index"),
			kind: KindTransientUnavailable,
		},
		{
			name: "wallet rejection",
			err:  btcjson.NewRPCError(btcjson.ErrRPCWalletInsufficientFunds, "Insufficient funds"),
			kind: KindNodeRejected,
		},
		{
			name: "network failure",
			err:  &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			kind: KindTransientUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubRequester{errs: map[string]error{"gettransaction": tt.err}}
			c := newTestClient(stub)

			_, err := c.GetTransaction("abc")
			require.Error(t, err)
			require.Equal(t, tt.kind, KindOf(err))
			require.Equal(t, tt.kind == KindTransientUnavailable, IsRetryable(err))
		})
	}
}

func TestAmountFromFloat(t *testing.T) {
	amt, err := AmountFromFloat(1.5)
	require.NoError(t, err)
	require.Equal(t, int64(150000000), amt)

	// Send legs report negative values; amounts are stored unsigned.
	amt, err = AmountFromFloat(-0.0001)
	require.NoError(t, err)
	require.Equal(t, int64(10000), amt)
}
