package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/market"
	"evrmarket/apps/marketplace/internal/model"
)

// OrderHandler handles order-related API endpoints
type OrderHandler struct {
	service *market.Service
	logger  *zap.Logger
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(service *market.Service, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{service: service, logger: logger}
}

// CreateOrder handles POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.ListingID == "" || req.BuyerAddress == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_fields", "listing_id and buyer_address are required")
		return
	}

	specs := make([]market.ItemSpec, 0, len(req.Items))
	for _, item := range req.Items {
		if item.AssetName == "" || item.Amount <= 0 {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_item", "each item needs an asset name and a positive amount")
			return
		}
		specs = append(specs, market.ItemSpec{AssetName: item.AssetName, Amount: item.Amount})
	}

	quote, err := h.service.PlaceOrder(r.Context(), req.ListingID, req.BuyerAddress, specs)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusCreated, toOrderResponse(&quote.Order, quote.Items, nil))
}

// GetOrder handles GET /api/orders/{order_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	order, items, balances, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, toOrderResponse(order, items, balances))
}

// GetOrderHistory handles GET /api/orders?buyer_address=...
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	buyerAddress := r.URL.Query().Get("buyer_address")
	if buyerAddress == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_buyer_address", "buyer_address is required")
		return
	}

	orders, err := h.service.OrderHistory(r.Context(), buyerAddress)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	responses := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		responses = append(responses, toOrderResponse(&orders[i], nil, nil))
	}
	writeJSONResponse(w, h.logger, http.StatusOK, responses)
}

// CancelOrder handles POST /api/orders/{order_id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	if err := h.service.CancelOrder(r.Context(), orderID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkRefunded handles POST /api/orders/{order_id}/refund
func (h *OrderHandler) MarkRefunded(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	var req MarkRefundedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.RefundTxID == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_refund_txid", "refund_txid is required")
		return
	}

	if err := h.service.MarkRefunded(r.Context(), orderID, req.RefundTxID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toOrderResponse(order *model.Order, items []model.OrderItem, balances []model.OrderBalance) OrderResponse {
	resp := OrderResponse{
		OrderID:        order.ID,
		ListingID:      order.ListingID,
		BuyerAddress:   order.BuyerAddress,
		PaymentAddress: order.PaymentAddress,
		Status:         order.Status,
		TotalDue:       model.TotalDue(items),
		FeeTxID:        order.FeeTxID,
		PayoutTxID:     order.PayoutTxID,
		RefundTxID:     order.RefundTxID,
		CreatedAt:      order.CreatedAt,
	}
	for _, item := range items {
		resp.Items = append(resp.Items, OrderItemResponse{
			AssetName:    item.AssetName,
			Amount:       item.Amount,
			PriceEvr:     item.PriceEvr,
			FeeEvr:       item.FeeEvr,
			Fulfilled:    item.Fulfilled,
			PayoutTxHash: item.PayoutTxHash,
		})
	}
	for _, b := range balances {
		resp.Balances = append(resp.Balances, BalanceResponse{
			AssetName:        b.AssetName,
			ConfirmedBalance: b.ConfirmedBalance,
			PendingBalance:   b.PendingBalance,
		})
	}
	return resp
}
