// Package handler exposes the checkout, order query and payment webhook
// operations over HTTP.
package handler

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/bookstore-checkout/internal/domain/order"
	"github.com/xenking/bookstore-checkout/internal/domain/reconcile"
)

// maxWebhookBody caps the webhook payload read into memory.
const maxWebhookBody = 1 << 20

// Handler implements the API routes, delegating to the order service and the
// payment event reconciler.
type Handler struct {
	orders     *order.Service
	reconciler *reconcile.Reconciler
	checkouts  metric.Int64Counter
}

// NewHandler constructs a Handler. Checkout outcomes are counted on meter.
func NewHandler(orders *order.Service, reconciler *reconcile.Reconciler, meter metric.Meter) (*Handler, error) {
	checkouts, err := meter.Int64Counter("bookstore.checkouts",
		metric.WithDescription("Checkout attempts by outcome"),
		metric.WithUnit("{checkout}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkouts counter")
	}
	return &Handler{
		orders:     orders,
		reconciler: reconciler,
		checkouts:  checkouts,
	}, nil
}
