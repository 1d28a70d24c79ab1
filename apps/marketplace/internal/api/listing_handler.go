package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/market"
	"evrmarket/apps/marketplace/internal/model"
)

// ListingHandler handles listing-related API endpoints
type ListingHandler struct {
	service *market.Service
	logger  *zap.Logger
}

// NewListingHandler creates a new ListingHandler
func NewListingHandler(service *market.Service, logger *zap.Logger) *ListingHandler {
	return &ListingHandler{service: service, logger: logger}
}

// CreateListing handles POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.SellerAddress == "" || req.Name == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_fields", "seller_address and name are required")
		return
	}

	prices := make([]market.PriceSpec, 0, len(req.Prices))
	for _, p := range req.Prices {
		if p.AssetName == "" || p.PriceEvr <= 0 {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_price", "each price needs an asset name and a positive price_evr")
			return
		}
		prices = append(prices, market.PriceSpec{AssetName: p.AssetName, PriceEvr: p.PriceEvr})
	}

	listing, err := h.service.CreateListing(r.Context(), req.SellerAddress, req.Name, req.Description, prices)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusCreated, toListingResponse(listing, nil, nil))
}

// GetListing handles GET /api/listings/{listing_id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["listing_id"]

	listing, prices, balances, err := h.service.GetListing(r.Context(), listingID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, toListingResponse(listing, prices, balances))
}

// UpdateListing handles PUT /api/listings/{listing_id}
func (h *ListingHandler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["listing_id"]

	var req UpdateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.Name == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_fields", "name is required")
		return
	}

	if err := h.service.UpdateListing(r.Context(), listingID, req.Name, req.Description); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatus handles PUT /api/listings/{listing_id}/status
func (h *ListingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	listingID := mux.Vars(r)["listing_id"]

	var req UpdateListingStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	if err := h.service.SetListingStatus(r.Context(), listingID, req.Status); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toListingResponse(listing *model.Listing, prices []model.ListingPrice, balances []model.ListingBalance) ListingResponse {
	resp := ListingResponse{
		ListingID:      listing.ID,
		SellerAddress:  listing.SellerAddress,
		DepositAddress: listing.DepositAddress,
		Name:           listing.Name,
		Description:    listing.Description,
		Status:         listing.Status,
		CreatedAt:      listing.CreatedAt,
	}
	for _, p := range prices {
		resp.Prices = append(resp.Prices, ListingPriceSpec{AssetName: p.AssetName, PriceEvr: p.PriceEvr})
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
