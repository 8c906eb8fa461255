package stripegw

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/xenking/bookstore-checkout/internal/domain/payment"
)

var _ payment.Verifier = (*Verifier)(nil)

// Verifier authenticates Stripe webhook deliveries with the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A zero tolerance uses the Stripe default.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against payload and decodes the
// event. Checkout session events carry the session id and the order id from
// the session metadata.
func (v *Verifier) Verify(payload []byte, signature string) (*payment.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(payment.ErrInvalidSignature, err.Error())
	}

	out := &payment.Event{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	obj := struct {
		Object string `json:"object"`
	}{}
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil || obj.Object != "checkout.session" {
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return nil, errors.Wrap(err, "decode checkout session")
	}
	out.SessionID = cs.ID
	out.OrderID = cs.Metadata[payment.MetadataOrderID]
	if out.OrderID == "" {
		out.OrderID = cs.ClientReferenceID
	}
	return out, nil
}
