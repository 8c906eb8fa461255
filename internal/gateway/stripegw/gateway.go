// Package stripegw adapts Stripe Checkout to the payment gateway contract.
package stripegw

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"

	"github.com/xenking/bookstore-checkout/internal/domain/payment"
)

// BreakerConfig controls when the gateway stops calling Stripe.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	return c
}

var _ payment.Gateway = (*Gateway)(nil)

// Gateway creates Stripe Checkout sessions.
type Gateway struct {
	api     *client.API
	breaker *gobreaker.CircuitBreaker[*payment.Session]
	timeout time.Duration
}

// NewGateway creates a Gateway over an initialized Stripe client. Calls are
// bounded by timeout when it is positive.
func NewGateway(api *client.API, timeout time.Duration, cfg BreakerConfig) *Gateway {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker[*payment.Session](gobreaker.Settings{
		Name:        "stripe-checkout",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Card and request validation errors are the caller's fault and
			// say nothing about Stripe being healthy or not.
			var se *stripe.Error
			if errors.As(err, &se) && se.Type == stripe.ErrorTypeInvalidRequest {
				return true
			}
			return err == nil
		},
	})
	return &Gateway{
		api:     api,
		breaker: breaker,
		timeout: timeout,
	}
}

// CreateSession opens a hosted payment-mode checkout session for the order.
// The order id travels in the session metadata and comes back in events.
func (g *Gateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	params := sessionParams(req)
	params.Context = ctx

	session, err := g.breaker.Execute(func() (*payment.Session, error) {
		s, err := g.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return &payment.Session{ID: s.ID, URL: s.URL}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			zctx.From(ctx).Warn("Stripe circuit open", zap.String("order_id", req.OrderID))
		}
		return nil, errors.Wrap(err, "create checkout session")
	}
	return session, nil
}

func sessionParams(req payment.SessionRequest) *stripe.CheckoutSessionParams {
	items := make([]*stripe.CheckoutSessionLineItemParams, len(req.Lines))
	for i, l := range req.Lines {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(l.Name),
		}
		if l.Image != "" {
			product.Images = stripe.StringSlice([]string{l.Image})
		}
		items[i] = &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(l.UnitAmount),
			},
			Quantity: stripe.Int64(l.Quantity),
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          items,
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.OrderID),
	}
	params.AddMetadata(payment.MetadataOrderID, req.OrderID)
	params.AddMetadata("buyerId", req.BuyerID)
	return params
}
