package market

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/holds"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
	"evrmarket/apps/marketplace/internal/store/storetest"
)

type fakeWallet struct {
	seq     int
	invalid map[string]bool
}

func (f *fakeWallet) ValidateAddress(address string) (*chain.ValidateAddressResult, error) {
	return &chain.ValidateAddressResult{
		IsValid: !f.invalid[address],
		Address: address,
	}, nil
}

func (f *fakeWallet) NewAddress() (string, error) {
	f.seq++
	return fmt.Sprintf("addr-%d", f.seq), nil
}

func newService(st *storetest.Store) *Service {
	return NewService(st, &fakeWallet{}, 0.01, 15*time.Minute, zap.NewNop())
}

func createListing(t *testing.T, s *Service) *model.Listing {
	t.Helper()
	listing, err := s.CreateListing(context.Background(), "eSeller", "card shop", "rare cards",
		[]PriceSpec{{AssetName: "NFT1", PriceEvr: 100}})
	require.NoError(t, err)
	return listing
}

func addInventory(t *testing.T, st *storetest.Store, listingID, asset string, amount int64) {
	t.Helper()
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.ListingAddConfirmed(listingID, asset, amount)
	})
	require.NoError(t, err)
}

func TestCreateListing(t *testing.T) {
	st := storetest.New()
	s := newService(st)

	listing := createListing(t, s)
	require.NotEmpty(t, listing.ID)
	require.NotEmpty(t, listing.DepositAddress)
	require.Equal(t, model.ListingActive, listing.Status)

	got, prices, balances, err := s.GetListing(context.Background(), listing.ID)
	require.NoError(t, err)
	require.Equal(t, listing.DepositAddress, got.DepositAddress)
	require.Len(t, prices, 1)
	require.Len(t, balances, 1)
	require.Equal(t, int64(0), balances[0].ConfirmedBalance)
}

func TestCreateListingRejectsInvalidSeller(t *testing.T) {
	st := storetest.New()
	wallet := &fakeWallet{invalid: map[string]bool{"bogus": true}}
	s := NewService(st, wallet, 0.01, 15*time.Minute, zap.NewNop())

	_, err := s.CreateListing(context.Background(), "bogus", "shop", "",
		[]PriceSpec{{AssetName: "NFT1", PriceEvr: 100}})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestPlaceOrderQuotesAndReserves(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 5*100_000_000)

	quote, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 2 * 100_000_000}})
	require.NoError(t, err)

	// Two whole units at 100 each plus the 1% fee.
	require.Equal(t, int64(202), quote.TotalDue)
	require.Len(t, quote.Items, 1)
	require.Equal(t, int64(200), quote.Items[0].PriceEvr)
	require.Equal(t, int64(2), quote.Items[0].FeeEvr)
	require.NotEmpty(t, quote.Order.PaymentAddress)
	require.Equal(t, model.OrderPending, quote.Order.Status)

	st.View(func(tx store.Tx) {
		held, err := tx.ActiveHoldTotal(listing.ID, "NFT1", "other", time.Now())
		require.NoError(t, err)
		require.Equal(t, int64(2*100_000_000), held)
	})
}

func TestPlaceOrderRejectsOverReservation(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 100_000_000)

	_, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 2 * 100_000_000}})

	var insufficient *holds.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	// Nothing of the rejected order may persist.
	st.View(func(tx store.Tx) {
		orders, err := tx.OrderHistory("eBuyer")
		require.NoError(t, err)
		require.Empty(t, orders)
		held, err := tx.ActiveHoldTotal(listing.ID, "NFT1", "other", time.Now())
		require.NoError(t, err)
		require.Equal(t, int64(0), held)
	})
}

func TestPlaceOrderRequiresActiveListing(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 100_000_000)
	require.NoError(t, s.SetListingStatus(context.Background(), listing.ID, model.ListingPaused))

	_, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 100_000_000}})
	require.ErrorIs(t, err, ErrListingNotActive)
}

func TestPlaceOrderRejectsUnpricedAsset(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)

	_, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT9", Amount: 100_000_000}})
	require.ErrorIs(t, err, ErrUnpricedAsset)
}

func TestPlaceOrderRoundsDustUp(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 100_000_000)

	// One base unit of an asset priced 100 EVR still costs something.
	quote, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 1}})
	require.NoError(t, err)
	require.Equal(t, int64(1), quote.Items[0].PriceEvr)
	require.Greater(t, quote.TotalDue, int64(0))
}

func TestPlaceOrderRejectsInvalidAmounts(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 100_000_000)

	_, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 0}})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: math.MaxInt64}})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateListingRejectsNonPositivePrice(t *testing.T) {
	st := storetest.New()
	s := newService(st)

	_, err := s.CreateListing(context.Background(), "eSeller", "shop", "",
		[]PriceSpec{{AssetName: "NFT1", PriceEvr: 0}})
	require.ErrorIs(t, err, ErrUnpricedAsset)
}

func TestCancelOrderReleasesHolds(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 5*100_000_000)

	quote, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 100_000_000}})
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(context.Background(), quote.Order.ID))

	st.View(func(tx store.Tx) {
		order, err := tx.GetOrder(quote.Order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderCancelled, order.Status)
		held, err := tx.ActiveHoldTotal(listing.ID, "NFT1", "other", time.Now())
		require.NoError(t, err)
		require.Equal(t, int64(0), held)
	})

	// Cancelling twice is rejected.
	require.ErrorIs(t, s.CancelOrder(context.Background(), quote.Order.ID), ErrInvalidStatus)
}

func TestMarkRefunded(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 100_000_000)

	quote, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
		[]ItemSpec{{AssetName: "NFT1", Amount: 100_000_000}})
	require.NoError(t, err)

	// Refunds only apply to cancelled or errored orders.
	require.ErrorIs(t, s.MarkRefunded(context.Background(), quote.Order.ID, "refund-tx"), ErrInvalidStatus)

	require.NoError(t, s.CancelOrder(context.Background(), quote.Order.ID))
	require.NoError(t, s.MarkRefunded(context.Background(), quote.Order.ID, "refund-tx"))

	st.View(func(tx store.Tx) {
		order, err := tx.GetOrder(quote.Order.ID)
		require.NoError(t, err)
		require.Equal(t, model.OrderRefunded, order.Status)
		require.NotNil(t, order.RefundTxID)
		require.Equal(t, "refund-tx", *order.RefundTxID)
	})
}

func TestOrderHistory(t *testing.T) {
	st := storetest.New()
	s := newService(st)
	listing := createListing(t, s)
	addInventory(t, st, listing.ID, "NFT1", 5*100_000_000)

	for i := 0; i < 2; i++ {
		_, err := s.PlaceOrder(context.Background(), listing.ID, "eBuyer",
			[]ItemSpec{{AssetName: "NFT1", Amount: 100_000_000}})
		require.NoError(t, err)
	}

	orders, err := s.OrderHistory(context.Background(), "eBuyer")
	require.NoError(t, err)
	require.Len(t, orders, 2)
}
