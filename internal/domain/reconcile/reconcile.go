// Package reconcile applies payment gateway events to orders.
//
// Gateways deliver events at least once and possibly concurrently. The
// reconciler turns that into at most one effect per order by delegating the
// pending -> paid transition, including every stock mutation, to a single
// conditional operation of the order store.
package reconcile

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/bookstore-checkout/internal/domain/order"
	"github.com/xenking/bookstore-checkout/internal/domain/payment"
)

// Action describes what the reconciler did with an acknowledged event.
type Action string

const (
	// ActionIgnored: the event type does not drive a transition.
	ActionIgnored Action = "ignored"
	// ActionUnknownOrder: the event did not resolve to an order.
	ActionUnknownOrder Action = "unknown_order"
	// ActionDuplicate: the order was already paid, by an earlier or a
	// concurrent delivery.
	ActionDuplicate Action = "duplicate"
	// ActionTerminal: the order is failed and cannot become paid.
	ActionTerminal Action = "terminal"
	// ActionApplied: the order became paid and stock was decremented.
	ActionApplied Action = "applied"
	// ActionFlagged: like ActionApplied, but at least one line exceeded the
	// remaining stock and the order needs manual reconciliation.
	ActionFlagged Action = "flagged"
)

// Result is the outcome of an acknowledged event.
type Result struct {
	Action  Action
	EventID string
	OrderID string
}

// Reconciler verifies gateway events and applies them to orders.
type Reconciler struct {
	verifier payment.Verifier
	orders   order.Repository
	events   metric.Int64Counter
}

// NewReconciler creates a Reconciler. Event outcomes are counted on meter.
func NewReconciler(verifier payment.Verifier, orders order.Repository, meter metric.Meter) (*Reconciler, error) {
	events, err := meter.Int64Counter("bookstore.webhook.events",
		metric.WithDescription("Payment webhook events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create events counter")
	}
	return &Reconciler{
		verifier: verifier,
		orders:   orders,
		events:   events,
	}, nil
}

// HandlePaymentEvent authenticates payload, decodes it and applies it.
//
// A nil error means the event must be acknowledged to the gateway. An error
// matching payment.ErrInvalidSignature means it must be rejected without
// retry; any other error means the gateway should redeliver later.
func (r *Reconciler) HandlePaymentEvent(ctx context.Context, payload []byte, signature string) (*Result, error) {
	lg := zctx.From(ctx)

	ev, err := r.verifier.Verify(payload, signature)
	if err != nil {
		r.count(ctx, "rejected")
		lg.Warn("Webhook signature verification failed", zap.Error(err))
		if !errors.Is(err, payment.ErrInvalidSignature) {
			err = errors.Wrap(payment.ErrInvalidSignature, err.Error())
		}
		return nil, err
	}

	ctx = zctx.With(ctx,
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	lg = zctx.From(ctx)

	res, err := r.apply(ctx, ev)
	if err != nil {
		r.count(ctx, "failed")
		lg.Error("Apply payment event failed", zap.Error(err))
		return nil, err
	}

	r.count(ctx, string(res.Action))
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, ev *payment.Event) (*Result, error) {
	lg := zctx.From(ctx)
	res := &Result{EventID: ev.ID, OrderID: ev.OrderID}

	if ev.Type != payment.EventCheckoutSessionCompleted {
		res.Action = ActionIgnored
		lg.Debug("Ignoring payment event")
		return res, nil
	}

	if ev.OrderID == "" {
		res.Action = ActionUnknownOrder
		lg.Warn("Completed session carries no order id", zap.String("session_id", ev.SessionID))
		return res, nil
	}
	ctx = zctx.With(ctx, zap.String("order_id", ev.OrderID))
	lg = zctx.From(ctx)

	o, err := r.orders.GetByID(ctx, ev.OrderID)
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		res.Action = ActionUnknownOrder
		lg.Warn("Completed session references unknown order")
		return res, nil
	case err != nil:
		return nil, errors.Wrap(err, "get order")
	}

	switch o.Status {
	case order.StatusPaid:
		res.Action = ActionDuplicate
		lg.Info("Order already paid, skipping redelivery")
		return res, nil
	case order.StatusFailed:
		res.Action = ActionTerminal
		lg.Warn("Completed session for failed order, manual follow-up required")
		return res, nil
	}

	// The status read above is only a fast path. MarkPaid re-checks it
	// atomically, so concurrent deliveries race there and one wins.
	tr, err := r.orders.MarkPaid(ctx, o.ID, ev.SessionID)
	switch {
	case errors.Is(err, order.ErrNotPending):
		res.Action = ActionDuplicate
		lg.Info("Order transitioned concurrently, skipping")
		return res, nil
	case errors.Is(err, order.ErrOrderNotFound):
		res.Action = ActionUnknownOrder
		lg.Warn("Order disappeared before transition")
		return res, nil
	case err != nil:
		return nil, errors.Wrap(err, "mark order paid")
	}

	if len(tr.Shortfalls) > 0 {
		res.Action = ActionFlagged
		for _, sf := range tr.Shortfalls {
			lg.Warn("Stock exhausted for paid order",
				zap.String("book_id", sf.BookID),
				zap.Int("requested", sf.Requested),
				zap.Int("available", sf.Available),
			)
		}
		return res, nil
	}

	res.Action = ActionApplied
	lg.Info("Order paid", zap.Int("lines", len(tr.Order.Lines)))
	return res, nil
}

func (r *Reconciler) count(ctx context.Context, outcome string) {
	r.events.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
