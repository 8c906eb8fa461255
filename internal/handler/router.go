package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Probes serves the health endpoints.
type Probes interface {
	LiveEndpoint(w http.ResponseWriter, r *http.Request)
	ReadyEndpoint(w http.ResponseWriter, r *http.Request)
}

// NewRouter mounts the API under /api and the probes at the root. mws run
// for every request, including unmatched ones.
func NewRouter(h *Handler, sec *SecurityHandler, probes Probes, mws ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mws...)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/livez", probes.LiveEndpoint)
	r.Get("/readyz", probes.ReadyEndpoint)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhook/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(sec.Authenticate)
			r.Post("/order/checkout", h.Checkout)
			r.Get("/order", h.ListOrders)
			r.Get("/order/{orderId}", h.GetOrder)
		})
	})
	return r
}
