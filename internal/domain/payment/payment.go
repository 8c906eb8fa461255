// Package payment defines the contract between the checkout core and the
// external payment gateway: hosted session creation and verification of the
// asynchronous events the gateway sends back.
package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// EventCheckoutSessionCompleted is the only event type that drives an order
// transition.
const EventCheckoutSessionCompleted = "checkout.session.completed"

// MetadataOrderID is the session metadata key the gateway echoes back in
// events so they can be mapped to an order.
const MetadataOrderID = "orderId"

// ErrInvalidSignature is returned by a Verifier when the payload could not be
// authenticated.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// LineItem is one gateway line item. UnitAmount is in the currency's minor
// unit.
type LineItem struct {
	Name       string
	Image      string
	UnitAmount int64
	Quantity   int64
}

// SessionRequest holds everything the gateway needs to host a checkout.
type SessionRequest struct {
	OrderID    string
	BuyerID    string
	Currency   string
	Lines      []LineItem
	SuccessURL string
	CancelURL  string
}

// Session is a created hosted checkout session.
type Session struct {
	ID  string
	URL string
}

// Gateway creates hosted payment sessions.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// Event is an authenticated gateway event reduced to the fields the
// reconciler needs. OrderID and SessionID are empty for events that carry no
// checkout session.
type Event struct {
	ID        string
	Type      string
	OrderID   string
	SessionID string
}

// Verifier authenticates a raw event payload against its signature header
// and only then decodes it.
type Verifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

// ToMinorUnits converts a decimal amount to the gateway's integer minor
// units, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
