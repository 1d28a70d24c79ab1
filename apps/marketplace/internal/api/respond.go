package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/holds"
	"evrmarket/apps/marketplace/internal/market"
)

func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, status int, code, message string) {
	writeJSONResponse(w, logger, status, ErrorResponse{Error: code, Message: message})
}

// writeServiceError maps market service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var insufficient *holds.InsufficientBalanceError
	switch {
	case errors.Is(err, market.ErrNotFound):
		writeErrorResponse(w, logger, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, market.ErrInvalidAddress),
		errors.Is(err, market.ErrNoItems),
		errors.Is(err, market.ErrUnpricedAsset),
		errors.Is(err, market.ErrInvalidAmount):
		writeErrorResponse(w, logger, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &insufficient):
		writeErrorResponse(w, logger, http.StatusConflict, "insufficient_balance", err.Error())
	case errors.Is(err, market.ErrListingNotActive),
		errors.Is(err, market.ErrInvalidStatus):
		writeErrorResponse(w, logger, http.StatusConflict, "conflict", err.Error())
	default:
		logger.Error("Request failed", zap.Error(err))
		writeErrorResponse(w, logger, http.StatusInternalServerError, "internal_error", "request failed")
	}
}
