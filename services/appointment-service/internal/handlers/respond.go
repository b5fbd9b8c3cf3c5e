package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps the taxonomy to HTTP statuses. Unknown errors are logged
// and masked as a plain 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	var status int
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindInvalidState, apperr.KindAlreadyReported, apperr.KindSlotUnavailable:
		status = http.StatusConflict
	case apperr.KindTimingViolation:
		status = http.StatusUnprocessableEntity
	case apperr.KindInsufficientFunds, apperr.KindNoSessionsRemaining:
		status = http.StatusPaymentRequired
	default:
		logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: kind.String()})
}
