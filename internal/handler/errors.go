package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

// statusOf maps domain errors to an HTTP status and client message. Unknown
// errors become 500 with a generic message.
func statusOf(err error) (int, string) {
	var (
		quantityErr *order.InvalidQuantityError
		notFoundErr *order.BookNotFoundError
		stockErr    *order.InsufficientStockError
		filterErr   *order.InvalidFilterError
	)
	switch {
	case errors.Is(err, order.ErrEmptyCart), errors.Is(err, order.ErrMissingBuyer):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &quantityErr):
		return http.StatusBadRequest, quantityErr.Error()
	case errors.As(err, &filterErr):
		return http.StatusBadRequest, filterErr.Error()
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, notFoundErr.Error()
	case errors.As(err, &stockErr):
		return http.StatusConflict, stockErr.Error()
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, order.ErrPaymentUnavailable):
		return http.StatusBadGateway, "payment gateway unavailable, try again later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusOf(err)
	if code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeError(w, code, msg)
}
