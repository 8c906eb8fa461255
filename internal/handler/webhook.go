package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/bookstore-checkout/internal/domain/payment"
)

// HeaderStripeSignature carries the webhook signature.
const HeaderStripeSignature = "Stripe-Signature"

// StripeWebhook handles POST /api/webhook/stripe. The body is passed to the
// reconciler byte for byte, since the signature covers the raw payload.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if _, err := h.reconciler.HandlePaymentEvent(r.Context(), payload, r.Header.Get(HeaderStripeSignature)); err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		// Stripe redelivers on non-2xx.
		writeError(w, http.StatusInternalServerError, "event not processed")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Received bool `json:"received"`
	}{true})
}
