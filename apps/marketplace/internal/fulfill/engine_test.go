package fulfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
	"evrmarket/apps/marketplace/internal/store/storetest"
)

const feeAddress = "eFee"

type sendRecord struct {
	From   string
	To     string
	Asset  string
	Amount int64
}

type fakeSender struct {
	mu        sync.Mutex
	transfers []sendRecord
	sends     []sendRecord
	failAsset string
	seq       int
}

func (f *fakeSender) TransferAsset(from, to, asset string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if asset == f.failAsset {
		return "", errors.New("insufficient asset funds")
	}
	f.seq++
	f.transfers = append(f.transfers, sendRecord{From: from, To: to, Asset: asset, Amount: amount})
	return fmt.Sprintf("transfer-%d", f.seq), nil
}

func (f *fakeSender) SendFromAddress(from, to string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sends = append(f.sends, sendRecord{From: from, To: to, Asset: chain.EVR, Amount: amount})
	return fmt.Sprintf("send-%d", f.seq), nil
}

// setupPaidOrder seeds a paid order with its holds and payment balance.
func setupPaidOrder(t *testing.T, st *storetest.Store, items []model.OrderItem) (model.Listing, model.Order) {
	t.Helper()
	listing := model.Listing{
		ID:             "listing-1",
		SellerAddress:  "eSeller",
		DepositAddress: "eDeposit",
		Status:         model.ListingActive,
	}
	order := model.Order{
		ID:             "order-1",
		ListingID:      listing.ID,
		BuyerAddress:   "eBuyer",
		PaymentAddress: "ePay",
		Status:         model.OrderPaid,
	}

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateListing(listing, nil); err != nil {
			return err
		}
		if err := tx.CreateOrder(order, items); err != nil {
			return err
		}
		var due int64
		for _, item := range items {
			if err := tx.ListingAddConfirmed(listing.ID, item.AssetName, item.Amount); err != nil {
				return err
			}
			if err := tx.InsertHold(model.Hold{
				ListingID: listing.ID,
				AssetName: item.AssetName,
				OrderID:   order.ID,
				Amount:    item.Amount,
				ExpiresAt: time.Now().Add(15 * time.Minute),
			}); err != nil {
				return err
			}
			due += item.PriceEvr + item.FeeEvr
		}
		return tx.OrderAddConfirmed(order.ID, chain.EVR, due)
	})
	require.NoError(t, err)
	return listing, order
}

func TestFulfillmentCompletesOrder(t *testing.T) {
	st := storetest.New()
	sender := &fakeSender{}
	items := []model.OrderItem{
		{OrderID: "order-1", AssetName: "NFT1", Amount: 5, PriceEvr: 100, FeeEvr: 1},
	}
	listing, order := setupPaidOrder(t, st, items)

	engine := NewEngine(st, sender, feeAddress, time.Minute, 2, zap.NewNop())
	require.NoError(t, engine.SweepOnce(context.Background()))
	engine.wg.Wait()

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderCompleted, got.Status)
		require.NotNil(t, got.FeeTxID)
		require.NotNil(t, got.PayoutTxID)

		gotItems, err := tx.OrderItems(order.ID)
		require.NoError(t, err)
		require.True(t, gotItems[0].Fulfilled)
		require.NotNil(t, gotItems[0].PayoutTxHash)

		holds, err := tx.HoldsByOrder(order.ID)
		require.NoError(t, err)
		require.Empty(t, holds)

		listingBalance, err := tx.ListingBalanceForUpdate(listing.ID, "NFT1")
		require.NoError(t, err)
		require.Equal(t, int64(0), listingBalance.ConfirmedBalance)

		orderBalance, err := tx.OrderBalanceForUpdate(order.ID, chain.EVR)
		require.NoError(t, err)
		require.Equal(t, int64(0), orderBalance.ConfirmedBalance)
	})

	require.Len(t, sender.transfers, 1)
	require.Equal(t, sendRecord{From: listing.DepositAddress, To: order.BuyerAddress, Asset: "NFT1", Amount: 5}, sender.transfers[0])

	require.Len(t, sender.sends, 2)
	require.Equal(t, sendRecord{From: order.PaymentAddress, To: feeAddress, Asset: chain.EVR, Amount: 1}, sender.sends[0])
	require.Equal(t, sendRecord{From: order.PaymentAddress, To: listing.SellerAddress, Asset: chain.EVR, Amount: 100}, sender.sends[1])
}

func TestFulfillmentPartialFailureParksOrder(t *testing.T) {
	st := storetest.New()
	sender := &fakeSender{failAsset: "NFT2"}
	items := []model.OrderItem{
		{OrderID: "order-1", AssetName: "NFT1", Amount: 2, PriceEvr: 200, FeeEvr: 2},
		{OrderID: "order-1", AssetName: "NFT2", Amount: 1, PriceEvr: 100, FeeEvr: 1},
		{OrderID: "order-1", AssetName: "NFT3", Amount: 3, PriceEvr: 300, FeeEvr: 3},
	}
	listing, order := setupPaidOrder(t, st, items)

	engine := NewEngine(st, sender, feeAddress, time.Minute, 2, zap.NewNop())
	require.NoError(t, engine.SweepOnce(context.Background()))
	engine.wg.Wait()

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderError, got.Status)
		require.Nil(t, got.FeeTxID)
		require.Nil(t, got.PayoutTxID)

		// Delivered state survives for a manual retry; the item after
		// the failed one was still attempted and delivered.
		gotItems, err := tx.OrderItems(order.ID)
		require.NoError(t, err)
		require.True(t, gotItems[0].Fulfilled)
		require.False(t, gotItems[1].Fulfilled)
		require.True(t, gotItems[2].Fulfilled)

		holds, err := tx.HoldsByOrder(order.ID)
		require.NoError(t, err)
		require.Len(t, holds, 1)
		require.Equal(t, "NFT2", holds[0].AssetName)

		nft1, err := tx.ListingBalanceForUpdate(listing.ID, "NFT1")
		require.NoError(t, err)
		require.Equal(t, int64(0), nft1.ConfirmedBalance)
		nft2, err := tx.ListingBalanceForUpdate(listing.ID, "NFT2")
		require.NoError(t, err)
		require.Equal(t, int64(1), nft2.ConfirmedBalance)
		nft3, err := tx.ListingBalanceForUpdate(listing.ID, "NFT3")
		require.NoError(t, err)
		require.Equal(t, int64(0), nft3.ConfirmedBalance)
	})

	// Transfers for both healthy items, no settlement sends.
	require.Len(t, sender.transfers, 2)
	require.Equal(t, "NFT1", sender.transfers[0].Asset)
	require.Equal(t, "NFT3", sender.transfers[1].Asset)
	require.Empty(t, sender.sends)
}

func TestFulfillmentResumesAfterCrash(t *testing.T) {
	st := storetest.New()
	sender := &fakeSender{}
	items := []model.OrderItem{
		{OrderID: "order-1", AssetName: "NFT1", Amount: 2, PriceEvr: 200, FeeEvr: 2},
		{OrderID: "order-1", AssetName: "NFT2", Amount: 1, PriceEvr: 100, FeeEvr: 1},
	}
	listing, order := setupPaidOrder(t, st, items)

	// Simulate a crash after the first item was delivered and recorded.
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		if _, err := tx.TransitionOrderStatus(order.ID, []string{model.OrderPaid}, model.OrderFulfilling); err != nil {
			return err
		}
		if err := tx.MarkItemFulfilled(order.ID, "NFT1", "transfer-prior"); err != nil {
			return err
		}
		if err := tx.ReleaseHold(listing.ID, "NFT1", order.ID); err != nil {
			return err
		}
		return tx.ListingAddConfirmed(listing.ID, "NFT1", -2)
	})
	require.NoError(t, err)

	engine := NewEngine(st, sender, feeAddress, time.Minute, 2, zap.NewNop())
	require.NoError(t, engine.SweepOnce(context.Background()))
	engine.wg.Wait()

	st.View(func(tx store.Tx) {
		got, err := tx.GetOrder(order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderCompleted, got.Status)
	})

	// Only the outstanding item was transferred again.
	require.Len(t, sender.transfers, 1)
	require.Equal(t, "NFT2", sender.transfers[0].Asset)
}
