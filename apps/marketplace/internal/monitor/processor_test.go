package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
	"evrmarket/apps/marketplace/internal/store/storetest"
)

const finalityDepth = 6

type fakeNode struct {
	txs    map[string]*chain.WalletTransaction
	blocks map[string]*chain.BlockResult
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		txs:    make(map[string]*chain.WalletTransaction),
		blocks: make(map[string]*chain.BlockResult),
	}
}

func (f *fakeNode) GetTransaction(txHash string) (*chain.WalletTransaction, error) {
	if tx, ok := f.txs[txHash]; ok {
		return tx, nil
	}
	return nil, &chain.Error{
		Kind:   chain.KindNotFound,
		Method: "gettransaction",
		Err:    errors.New("invalid or non-wallet transaction id"),
	}
}

func (f *fakeNode) GetBlock(blockHash string) (*chain.BlockResult, error) {
	if b, ok := f.blocks[blockHash]; ok {
		return b, nil
	}
	return nil, &chain.Error{
		Kind:   chain.KindNotFound,
		Method: "getblock",
		Err:    errors.New("block not found"),
	}
}

// addBlock registers a block at the given height containing txids.
func (f *fakeNode) addBlock(height int64, txids ...string) string {
	hash := fmt.Sprintf("block-%d", height)
	f.blocks[hash] = &chain.BlockResult{
		Hash:   hash,
		Height: height,
		Time:   time.Now().Unix(),
		Tx:     txids,
	}
	return hash
}

func setupListing(t *testing.T, st *storetest.Store) model.Listing {
	t.Helper()
	listing := model.Listing{
		ID:             "listing-1",
		SellerAddress:  "eSeller",
		DepositAddress: "eDeposit",
		Name:           "card shop",
		Status:         model.ListingActive,
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateListing(listing, []model.ListingPrice{
			{ListingID: listing.ID, AssetName: "NFT1", PriceEvr: 100},
		})
	})
	require.NoError(t, err)
	return listing
}

func setupOrder(t *testing.T, st *storetest.Store, priceEvr, feeEvr int64) model.Order {
	t.Helper()
	order := model.Order{
		ID:             "order-1",
		ListingID:      "listing-1",
		BuyerAddress:   "eBuyer",
		PaymentAddress: "ePay",
		Status:         model.OrderPending,
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateOrder(order, []model.OrderItem{
			{OrderID: order.ID, AssetName: "NFT1", Amount: 1, PriceEvr: priceEvr, FeeEvr: feeEvr},
		})
	})
	require.NoError(t, err)
	return order
}

func receiveTx(txHash, address string, amount float64, confirmations int64, blockHash string) *chain.WalletTransaction {
	return &chain.WalletTransaction{
		TxID:          txHash,
		Confirmations: confirmations,
		BlockHash:     blockHash,
		Time:          time.Now().Unix(),
		Details: []chain.WalletTxDetail{
			{Address: address, Category: "receive", Amount: amount},
		},
	}
}

func assetReceiveTx(txHash, address, asset string, amount float64, confirmations int64, blockHash string) *chain.WalletTransaction {
	return &chain.WalletTransaction{
		TxID:          txHash,
		Confirmations: confirmations,
		BlockHash:     blockHash,
		Time:          time.Now().Unix(),
		AssetDetails: []chain.WalletTxAssetDetail{
			{AssetType: model.AssetKindTransfer, AssetName: asset, Destination: address, Category: "receive", Amount: amount},
		},
	}
}

func listingBalance(t *testing.T, st *storetest.Store, listingID, asset string) model.ListingBalance {
	t.Helper()
	var balance model.ListingBalance
	st.View(func(tx store.Tx) {
		b, err := tx.ListingBalanceForUpdate(listingID, asset)
		require.NoError(t, err)
		balance = *b
	})
	return balance
}

func orderBalance(t *testing.T, st *storetest.Store, orderID, asset string) model.OrderBalance {
	t.Helper()
	var balance model.OrderBalance
	st.View(func(tx store.Tx) {
		b, err := tx.OrderBalanceForUpdate(orderID, asset)
		require.NoError(t, err)
		balance = *b
	})
	return balance
}

func TestReceiveCreditsPendingOnce(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())

	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 0, "")

	require.NoError(t, p.HandleTransaction(context.Background(), "tx-a"))
	// Redelivered notification must not credit twice.
	require.NoError(t, p.HandleTransaction(context.Background(), "tx-a"))

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(5*100_000_000), balance.PendingBalance)
	require.Equal(t, int64(0), balance.ConfirmedBalance)
}

func TestUnknownTransactionIsSkipped(t *testing.T) {
	st := storetest.New()
	p := NewProcessor(newFakeNode(), st, finalityDepth, zap.NewNop())

	require.NoError(t, p.HandleTransaction(context.Background(), "not-ours"))
}

func TestCrossingFinalitySettlesExactlyOnce(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	// Seen in the mempool first.
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 0, "")
	require.NoError(t, p.HandleTransaction(ctx, "tx-a"))

	// Mined at height 100, then five more blocks reach the depth.
	mined := node.addBlock(100, "tx-a")
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 1, mined)
	require.NoError(t, p.HandleBlock(ctx, mined))

	for h := int64(101); h <= 105; h++ {
		require.NoError(t, p.HandleBlock(ctx, node.addBlock(h)))
	}

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(5*100_000_000), balance.ConfirmedBalance)
	require.NotNil(t, balance.LastConfirmedTxHash)
	require.Equal(t, "tx-a", *balance.LastConfirmedTxHash)

	// A late transaction notification at depth must not settle again.
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 6, mined)
	require.NoError(t, p.HandleTransaction(ctx, "tx-a"))

	balance = listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(5*100_000_000), balance.ConfirmedBalance)

	// Replaying an already recorded block is a no-op as well.
	require.NoError(t, p.HandleBlock(ctx, mined))
	balance = listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(5*100_000_000), balance.ConfirmedBalance)
}

func TestBackfilledReceiveSettlesImmediately(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())

	mined := node.addBlock(50)
	node.txs["tx-old"] = assetReceiveTx("tx-old", listing.DepositAddress, "NFT1", 2, 20, mined)

	require.NoError(t, p.HandleTransaction(context.Background(), "tx-old"))

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(2*100_000_000), balance.ConfirmedBalance)
}

func TestAbandonmentReversesPending(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 0, "")
	require.NoError(t, p.HandleTransaction(ctx, "tx-a"))
	require.Equal(t, int64(5*100_000_000), listingBalance(t, st, listing.ID, "NFT1").PendingBalance)

	require.NoError(t, p.HandleMempoolRemoval(ctx, "tx-a"))

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(0), balance.ConfirmedBalance)

	// The wallet still knows the transaction; redelivery must not
	// resurrect the credit.
	require.NoError(t, p.HandleTransaction(ctx, "tx-a"))
	require.Equal(t, int64(0), listingBalance(t, st, listing.ID, "NFT1").PendingBalance)

	// Removal of an already confirmed transaction changes nothing.
	require.NoError(t, p.HandleMempoolRemoval(ctx, "tx-unknown"))
}

func TestBlockDisconnectRewindsEntries(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	mined := node.addBlock(100, "tx-a")
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 1, mined)
	require.NoError(t, p.HandleBlock(ctx, mined))
	require.Equal(t, int64(5*100_000_000), listingBalance(t, st, listing.ID, "NFT1").PendingBalance)

	// The tip is orphaned: its row goes away, the entry drops back to
	// unconfirmed and the pending credit stays in place.
	require.NoError(t, p.HandleBlockDisconnect(ctx, mined))
	st.View(func(tx store.Tx) {
		seen, err := tx.HasBlock(mined)
		require.NoError(t, err)
		require.False(t, seen)
		entry, err := tx.GetEntryForUpdate("tx-a", listing.DepositAddress, model.DirectionReceive, "NFT1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.Equal(t, int64(0), entry.Confirmations)
		require.Nil(t, entry.BlockHeight)
	})
	require.Equal(t, int64(5*100_000_000), listingBalance(t, st, listing.ID, "NFT1").PendingBalance)

	// Disconnects of unknown blocks are no-ops.
	require.NoError(t, p.HandleBlockDisconnect(ctx, "block-unknown"))

	// The replacement chain re-mines the transaction at the same height
	// and settlement proceeds normally, exactly once.
	node.blocks["block-100b"] = &chain.BlockResult{
		Hash: "block-100b", Height: 100, Time: time.Now().Unix(), Tx: []string{"tx-a"},
	}
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 1, "block-100b")
	require.NoError(t, p.HandleBlock(ctx, "block-100b"))
	for h := int64(101); h <= 105; h++ {
		require.NoError(t, p.HandleBlock(ctx, node.addBlock(h)))
	}

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(5*100_000_000), balance.ConfirmedBalance)
}

func TestReorgedBlockReplacesRowAtHeight(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	mined := node.addBlock(100)
	require.NoError(t, p.HandleBlock(ctx, mined))

	// A competing block at the same height arrives without a disconnect
	// notification; ingestion replaces the row instead of erroring on
	// every redelivery.
	node.blocks["block-100b"] = &chain.BlockResult{
		Hash: "block-100b", Height: 100, Time: time.Now().Unix(),
	}
	require.NoError(t, p.HandleBlock(ctx, "block-100b"))

	st.View(func(tx store.Tx) {
		seen, err := tx.HasBlock("block-100b")
		require.NoError(t, err)
		require.True(t, seen)
		seen, err = tx.HasBlock(mined)
		require.NoError(t, err)
		require.False(t, seen)
	})
}

func TestAbandonmentReversesPartiallyConfirmedReceive(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	listing := setupListing(t, st)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	mined := node.addBlock(100, "tx-a")
	node.txs["tx-a"] = assetReceiveTx("tx-a", listing.DepositAddress, "NFT1", 5, 2, mined)
	require.NoError(t, p.HandleTransaction(ctx, "tx-a"))
	require.Equal(t, int64(5*100_000_000), listingBalance(t, st, listing.ID, "NFT1").PendingBalance)

	// Reorged out and evicted before reaching the finality depth: the
	// pending credit reverses even though the entry had confirmations.
	require.NoError(t, p.HandleMempoolRemoval(ctx, "tx-a"))

	balance := listingBalance(t, st, listing.ID, "NFT1")
	require.Equal(t, int64(0), balance.PendingBalance)
	require.Equal(t, int64(0), balance.ConfirmedBalance)
}

func TestOrderPaymentAdvancesStatus(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	setupListing(t, st)
	order := setupOrder(t, st, 100, 1) // total due 101
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	// Full payment lands in the mempool: partially paid.
	node.txs["tx-pay"] = receiveTx("tx-pay", order.PaymentAddress, 101e-8, 0, "")
	require.NoError(t, p.HandleTransaction(ctx, "tx-pay"))

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderPartiallyPaid, got.Status)
	})

	// Payment reaches the finality depth: paid.
	mined := node.addBlock(200, "tx-pay")
	node.txs["tx-pay"] = receiveTx("tx-pay", order.PaymentAddress, 101e-8, 1, mined)
	require.NoError(t, p.HandleBlock(ctx, mined))
	for h := int64(201); h <= 205; h++ {
		require.NoError(t, p.HandleBlock(ctx, node.addBlock(h)))
	}

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderPaid, got.Status)
	})
	balance := orderBalance(t, st, order.ID, chain.EVR)
	require.Equal(t, int64(101), balance.ConfirmedBalance)
	require.Equal(t, int64(0), balance.PendingBalance)
}

func TestPartialPaymentStaysPartiallyPaid(t *testing.T) {
	st := storetest.New()
	node := newFakeNode()
	setupListing(t, st)
	order := setupOrder(t, st, 100, 1)
	p := NewProcessor(node, st, finalityDepth, zap.NewNop())
	ctx := context.Background()

	// Underpayment confirms; the order must not become paid.
	mined := node.addBlock(300, "tx-under")
	node.txs["tx-under"] = receiveTx("tx-under", order.PaymentAddress, 100e-8, 20, mined)
	require.NoError(t, p.HandleTransaction(ctx, "tx-under"))

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderPending, got.Status)
	})

	// The missing fee arrives and confirms: now paid.
	mined2 := node.addBlock(301, "tx-fee")
	node.txs["tx-fee"] = receiveTx("tx-fee", order.PaymentAddress, 1e-8, 20, mined2)
	require.NoError(t, p.HandleTransaction(ctx, "tx-fee"))

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderPaid, got.Status)
	})
}
