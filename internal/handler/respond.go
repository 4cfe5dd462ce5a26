package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiwari-pos/queue/internal/service"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors to HTTP status codes. Anything
// unexpected is logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	switch {
	case service.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "you do not own this order")
	case errors.Is(err, service.ErrInvalidState):
		writeError(w, http.StatusConflict, "order or item is no longer in that state")
	case errors.Is(err, service.ErrResourceExhausted):
		// Checked before store failures: exhaustion wraps the last collision.
		logger.Warn(op, zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not allocate an order id, please retry")
	default:
		logger.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// int64Param parses a positive integer URL parameter.
func int64Param(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
