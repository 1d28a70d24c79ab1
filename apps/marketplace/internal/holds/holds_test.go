package holds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
	"evrmarket/apps/marketplace/internal/store/storetest"
)

const holdTTL = 15 * time.Minute

// setupListing seeds a listing with 5 confirmed NFT1.
func setupListing(t *testing.T, st *storetest.Store) model.Listing {
	t.Helper()
	listing := model.Listing{
		ID:             "listing-1",
		SellerAddress:  "eSeller",
		DepositAddress: "eDeposit",
		Status:         model.ListingActive,
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateListing(listing, []model.ListingPrice{
			{ListingID: listing.ID, AssetName: "NFT1", PriceEvr: 100},
		}); err != nil {
			return err
		}
		return tx.ListingAddConfirmed(listing.ID, "NFT1", 5)
	})
	require.NoError(t, err)
	return listing
}

func placeOrder(t *testing.T, st *storetest.Store, orderID string, items []model.OrderItem) {
	t.Helper()
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateOrder(model.Order{
			ID:             orderID,
			ListingID:      "listing-1",
			BuyerAddress:   "eBuyer",
			PaymentAddress: "ePay-" + orderID,
			Status:         model.OrderPending,
		}, items)
	})
	require.NoError(t, err)
}

func TestReserveBlocksOverReservation(t *testing.T) {
	st := storetest.New()
	listing := setupListing(t, st)
	ctx := context.Background()
	now := time.Now()

	itemsA := []model.OrderItem{{OrderID: "order-a", AssetName: "NFT1", Amount: 5, PriceEvr: 500}}
	placeOrder(t, st, "order-a", itemsA)
	err := st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-a", itemsA, now, holdTTL)
	})
	require.NoError(t, err)

	// The whole inventory is held; a second order gets nothing.
	itemsB := []model.OrderItem{{OrderID: "order-b", AssetName: "NFT1", Amount: 1, PriceEvr: 100}}
	placeOrder(t, st, "order-b", itemsB)
	err = st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-b", itemsB, now, holdTTL)
	})

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "NFT1", insufficient.AssetName)
	require.Equal(t, int64(0), insufficient.Available)
	require.Equal(t, int64(1), insufficient.Requested)
}

func TestReserveAllOrNothing(t *testing.T) {
	st := storetest.New()
	listing := setupListing(t, st)
	ctx := context.Background()
	now := time.Now()

	// First item fits, second does not: neither may stick.
	items := []model.OrderItem{
		{OrderID: "order-a", AssetName: "NFT1", Amount: 2, PriceEvr: 200},
		{OrderID: "order-a", AssetName: "NFT2", Amount: 1, PriceEvr: 100},
	}
	placeOrder(t, st, "order-a", items)
	err := st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-a", items, now, holdTTL)
	})

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "NFT2", insufficient.AssetName)

	st.View(func(tx store.Tx) {
		held, err := tx.ActiveHoldTotal(listing.ID, "NFT1", "other", now)
		require.NoError(t, err)
		require.Equal(t, int64(0), held)
	})
}

func TestExpiredHoldIgnoredByReserve(t *testing.T) {
	st := storetest.New()
	listing := setupListing(t, st)
	ctx := context.Background()
	now := time.Now()

	itemsA := []model.OrderItem{{OrderID: "order-a", AssetName: "NFT1", Amount: 5, PriceEvr: 500}}
	placeOrder(t, st, "order-a", itemsA)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-a", itemsA, now, holdTTL)
	}))

	// After the TTL lapses the inventory is reservable again.
	later := now.Add(holdTTL + time.Minute)
	itemsB := []model.OrderItem{{OrderID: "order-b", AssetName: "NFT1", Amount: 5, PriceEvr: 500}}
	placeOrder(t, st, "order-b", itemsB)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-b", itemsB, later, holdTTL)
	}))
}

func TestSweeperCancelsExpiredOrders(t *testing.T) {
	st := storetest.New()
	listing := setupListing(t, st)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	items := []model.OrderItem{{OrderID: "order-a", AssetName: "NFT1", Amount: 5, PriceEvr: 500}}
	placeOrder(t, st, "order-a", items)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return Reserve(tx, listing.ID, "order-a", items, past, holdTTL)
	}))

	sweeper := NewSweeper(st, time.Minute, zap.NewNop())
	require.NoError(t, sweeper.SweepOnce(ctx))

	st.View(func(tx store.Tx) {
		order, err := tx.GetOrder("order-a")
		require.NoError(t, err)
		require.Equal(t, model.OrderCancelled, order.Status)

		holds, err := tx.HoldsByOrder("order-a")
		require.NoError(t, err)
		require.Empty(t, holds)

		held, err := tx.ActiveHoldTotal(listing.ID, "NFT1", "other", time.Now())
		require.NoError(t, err)
		require.Equal(t, int64(0), held)
	})
}

func TestSweeperLeavesPaidOrdersAlone(t *testing.T) {
	st := storetest.New()
	listing := setupListing(t, st)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	items := []model.OrderItem{{OrderID: "order-a", AssetName: "NFT1", Amount: 5, PriceEvr: 500}}
	placeOrder(t, st, "order-a", items)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := Reserve(tx, listing.ID, "order-a", items, past, holdTTL); err != nil {
			return err
		}
		_, err := tx.TransitionOrderStatus("order-a", []string{model.OrderPending}, model.OrderPaid)
		return err
	}))

	sweeper := NewSweeper(st, time.Minute, zap.NewNop())
	require.NoError(t, sweeper.SweepOnce(ctx))

	st.View(func(tx store.Tx) {
		order, err := tx.GetOrder("order-a")
		require.NoError(t, err)
		require.Equal(t, model.OrderPaid, order.Status)

		holds, err := tx.HoldsByOrder("order-a")
		require.NoError(t, err)
		require.Len(t, holds, 1)
	})
}
