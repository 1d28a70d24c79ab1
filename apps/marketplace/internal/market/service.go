// Package market exposes the marketplace operations behind the HTTP API:
// listing management, order placement and the manual order lifecycle
// actions.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/chain"
	"evrmarket/apps/marketplace/internal/events"
	"evrmarket/apps/marketplace/internal/holds"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/store"
)

// unitsPerAsset converts between whole asset units and base units.
const unitsPerAsset = 100_000_000

// Sentinel errors the API layer maps onto status codes.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrListingNotActive = errors.New("listing not active")
	ErrInvalidStatus    = errors.New("operation not allowed in current status")
	ErrNoItems          = errors.New("order has no items")
	ErrUnpricedAsset    = errors.New("asset not priced on listing")
	ErrInvalidAmount    = errors.New("invalid item amount")
)

// Wallet is the node surface the service needs for address work.
type Wallet interface {
	ValidateAddress(address string) (*chain.ValidateAddressResult, error)
	NewAddress() (string, error)
}

// PriceSpec prices one asset when creating a listing. PriceEvr is per
// whole asset unit, in base units.
type PriceSpec struct {
	AssetName string
	PriceEvr  int64
}

// ItemSpec is one requested order line, amount in base units.
type ItemSpec struct {
	AssetName string
	Amount    int64
}

// OrderQuote is what placement returns to the buyer.
type OrderQuote struct {
	Order    model.Order
	Items    []model.OrderItem
	TotalDue int64
}

type Service struct {
	logger     *zap.Logger
	store      store.Store
	wallet     Wallet
	feePercent float64
	holdTTL    time.Duration
}

func NewService(st store.Store, wallet Wallet, feePercent float64, holdTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		logger:     logger,
		store:      st,
		wallet:     wallet,
		feePercent: feePercent,
		holdTTL:    holdTTL,
	}
}

// CreateListing registers seller inventory behind a freshly generated
// deposit address.
func (s *Service) CreateListing(ctx context.Context, sellerAddress, name, description string, prices []PriceSpec) (*model.Listing, error) {
	if err := s.checkAddress(sellerAddress); err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: listing needs at least one priced asset", ErrUnpricedAsset)
	}
	for _, p := range prices {
		if p.PriceEvr <= 0 {
			return nil, fmt.Errorf("%w: %s needs a positive price", ErrUnpricedAsset, p.AssetName)
		}
	}

	depositAddress, err := s.wallet.NewAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deposit address: %w", err)
	}

	now := time.Now().UTC()
	listing := model.Listing{
		ID:             uuid.New().String(),
		SellerAddress:  sellerAddress,
		DepositAddress: depositAddress,
		Name:           name,
		Description:    description,
		Status:         model.ListingActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	listingPrices := make([]model.ListingPrice, 0, len(prices))
	for _, p := range prices {
		listingPrices = append(listingPrices, model.ListingPrice{
			ListingID: listing.ID,
			AssetName: p.AssetName,
			PriceEvr:  p.PriceEvr,
		})
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateListing(listing, listingPrices); err != nil {
			return err
		}
		return s.emitListing(tx, listing.ID, listing.Status)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created listing",
		zap.String("listing_id", listing.ID),
		zap.String("deposit_address", depositAddress))
	return &listing, nil
}

// UpdateListing edits the display fields of a listing.
func (s *Service) UpdateListing(ctx context.Context, id, name, description string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		listing, err := tx.GetListing(id)
		if err != nil {
			return err
		}
		if listing == nil {
			return ErrNotFound
		}
		return tx.UpdateListingDetails(id, name, description)
	})
}

// SetListingStatus pauses, resumes or retires a listing.
func (s *Service) SetListingStatus(ctx context.Context, id, status string) error {
	switch status {
	case model.ListingActive, model.ListingPaused, model.ListingInactive:
	default:
		return fmt.Errorf("%w: unknown listing status %q", ErrInvalidStatus, status)
	}

	return s.store.InTx(ctx, func(tx store.Tx) error {
		listing, err := tx.GetListing(id)
		if err != nil {
			return err
		}
		if listing == nil {
			return ErrNotFound
		}
		if err := tx.UpdateListingStatus(id, status); err != nil {
			return err
		}
		return s.emitListing(tx, id, status)
	})
}

// GetListing returns a listing with its prices and balances.
func (s *Service) GetListing(ctx context.Context, id string) (*model.Listing, []model.ListingPrice, []model.ListingBalance, error) {
	var (
		listing  *model.Listing
		prices   []model.ListingPrice
		balances []model.ListingBalance
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if listing, err = tx.GetListing(id); err != nil {
			return err
		}
		if listing == nil {
			return ErrNotFound
		}
		if prices, err = tx.ListingPrices(id); err != nil {
			return err
		}
		balances, err = tx.ListingBalances(id)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return listing, prices, balances, nil
}

// PlaceOrder quotes the requested items, reserves their inventory and
// returns the payment address the buyer must fund. Reservation is
// all-or-nothing: if any item cannot be covered the whole order is
// rejected.
func (s *Service) PlaceOrder(ctx context.Context, listingID, buyerAddress string, specs []ItemSpec) (*OrderQuote, error) {
	if err := s.checkAddress(buyerAddress); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, ErrNoItems
	}

	paymentAddress, err := s.wallet.NewAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to generate payment address: %w", err)
	}

	now := time.Now().UTC()
	order := model.Order{
		ID:             uuid.New().String(),
		ListingID:      listingID,
		BuyerAddress:   buyerAddress,
		PaymentAddress: paymentAddress,
		Status:         model.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var items []model.OrderItem
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		listing, err := tx.GetListing(listingID)
		if err != nil {
			return err
		}
		if listing == nil {
			return ErrNotFound
		}
		if listing.Status != model.ListingActive {
			return ErrListingNotActive
		}
		prices, err := tx.ListingPrices(listingID)
		if err != nil {
			return err
		}

		items = items[:0]
		for _, spec := range specs {
			unitPrice, ok := priceFor(prices, spec.AssetName)
			if !ok || unitPrice <= 0 {
				return fmt.Errorf("%w: %s", ErrUnpricedAsset, spec.AssetName)
			}
			price, err := itemPrice(unitPrice, spec.Amount)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.AssetName, err)
			}
			items = append(items, model.OrderItem{
				OrderID:   order.ID,
				AssetName: spec.AssetName,
				Amount:    spec.Amount,
				PriceEvr:  price,
				FeeEvr:    int64(math.Round(float64(price) * s.feePercent)),
			})
		}

		if err := tx.CreateOrder(order, items); err != nil {
			return err
		}
		if err := holds.Reserve(tx, listingID, order.ID, items, now, s.holdTTL); err != nil {
			return err
		}

		blob, err := json.Marshal(events.OrderStatusChanged{
			OrderID:   order.ID,
			ListingID: listingID,
			ToStatus:  model.OrderPending,
			Reason:    "order placed",
			Timestamp: now,
		})
		if err != nil {
			return err
		}
		return tx.StoreEvent(events.TypeOrderStatusChanged, order.ID, blob)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Placed order",
		zap.String("order_id", order.ID),
		zap.String("listing_id", listingID),
		zap.String("payment_address", paymentAddress),
		zap.Int64("total_due", model.TotalDue(items)))
	return &OrderQuote{Order: order, Items: items, TotalDue: model.TotalDue(items)}, nil
}

// GetOrder returns an order with its items and payment balances.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, []model.OrderItem, []model.OrderBalance, error) {
	var (
		order    *model.Order
		items    []model.OrderItem
		balances []model.OrderBalance
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if order, err = tx.GetOrder(id); err != nil {
			return err
		}
		if order == nil {
			return ErrNotFound
		}
		if items, err = tx.OrderItems(id); err != nil {
			return err
		}
		balances, err = tx.OrderBalances(id)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return order, items, balances, nil
}

// OrderHistory lists a buyer's orders.
func (s *Service) OrderHistory(ctx context.Context, buyerAddress string) ([]model.Order, error) {
	var orders []model.Order
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		orders, err = tx.OrderHistory(buyerAddress)
		return err
	})
	return orders, err
}

// CancelOrder cancels an order still awaiting payment and releases its
// holds. Funds already received stay on the payment address for a manual
// refund.
func (s *Service) CancelOrder(ctx context.Context, id string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(id)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrNotFound
		}

		moved, err := tx.TransitionOrderStatus(id,
			[]string{model.OrderPending, model.OrderPartiallyPaid}, model.OrderCancelled)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: order is %s", ErrInvalidStatus, order.Status)
		}
		if err := tx.ReleaseHoldsByOrder(id); err != nil {
			return err
		}

		s.logger.Info("Cancelled order", zap.String("order_id", id))
		blob, err := json.Marshal(events.OrderStatusChanged{
			OrderID:    id,
			ListingID:  order.ListingID,
			FromStatus: order.Status,
			ToStatus:   model.OrderCancelled,
			Reason:     "cancelled by caller",
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.StoreEvent(events.TypeOrderStatusChanged, id, blob)
	})
}

// MarkRefunded records an operator-made refund transaction against a
// cancelled or errored order and closes it out.
func (s *Service) MarkRefunded(ctx context.Context, id, refundTxID string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(id)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrNotFound
		}

		moved, err := tx.TransitionOrderStatus(id,
			[]string{model.OrderCancelled, model.OrderError}, model.OrderRefunded)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: order is %s", ErrInvalidStatus, order.Status)
		}
		if err := tx.SetOrderRefundTxID(id, refundTxID); err != nil {
			return err
		}

		s.logger.Info("Marked order refunded",
			zap.String("order_id", id),
			zap.String("refund_txid", refundTxID))
		blob, err := json.Marshal(events.OrderStatusChanged{
			OrderID:    id,
			ListingID:  order.ListingID,
			FromStatus: order.Status,
			ToStatus:   model.OrderRefunded,
			Reason:     "refund recorded",
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.StoreEvent(events.TypeOrderStatusChanged, id, blob)
	})
}

// itemPrice quotes amount base units of an asset priced unitPrice EVR per
// whole unit. The quote rounds up, so no accepted line item is free.
func itemPrice(unitPrice, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if amount > (math.MaxInt64-unitsPerAsset+1)/unitPrice {
		return 0, fmt.Errorf("%w: amount too large", ErrInvalidAmount)
	}
	return (unitPrice*amount + unitsPerAsset - 1) / unitsPerAsset, nil
}

func priceFor(prices []model.ListingPrice, assetName string) (int64, bool) {
	for _, p := range prices {
		if p.AssetName == assetName {
			return p.PriceEvr, true
		}
	}
	return 0, false
}

func (s *Service) checkAddress(address string) error {
	res, err := s.wallet.ValidateAddress(address)
	if err != nil {
		return fmt.Errorf("failed to validate address: %w", err)
	}
	if !res.IsValid {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	return nil
}

func (s *Service) emitListing(tx store.Tx, listingID, status string) error {
	blob, err := json.Marshal(events.ListingUpdated{
		ListingID: listingID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return tx.StoreEvent(events.TypeListingUpdated, listingID, blob)
}
