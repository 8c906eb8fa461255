package order

import (
	"context"
	"math"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/payment"
)

// CartLine is one requested book and quantity.
type CartLine struct {
	BookID   string
	Quantity int
}

// CheckoutRequest holds the input for starting a checkout.
type CheckoutRequest struct {
	BuyerID string
	Lines   []CartLine
}

// CheckoutResult holds the output of a successfully started checkout.
type CheckoutResult struct {
	Order       *Order
	CheckoutURL string
}

// ServiceConfig holds non-dependency settings for the Service.
type ServiceConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Service encapsulates checkout and order read logic.
type Service struct {
	books   catalog.Repository
	orders  Repository
	gateway payment.Gateway
	cfg     ServiceConfig
	now     func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	cfg ServiceConfig,
	books catalog.Repository,
	orders Repository,
	gateway payment.Gateway,
) *Service {
	return &Service{
		books:   books,
		orders:  orders,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreateCheckout validates the cart against current stock, persists a pending
// order with snapshotted prices, and opens a hosted payment session for it.
// Stock is not reserved here; it is committed when payment is confirmed.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.BuyerID == "" {
		return nil, ErrMissingBuyer
	}
	cart, err := mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(cart))
	for i, l := range cart {
		ids[i] = l.BookID
	}
	fetched, err := s.books.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get books")
	}
	byID := make(map[string]catalog.Book, len(fetched))
	for _, b := range fetched {
		byID[b.ID] = b
	}

	lines := make([]Line, len(cart))
	total := decimal.Zero
	for i, l := range cart {
		b, ok := byID[l.BookID]
		if !ok {
			return nil, &BookNotFoundError{BookID: l.BookID}
		}
		if l.Quantity > b.AvailableQty {
			return nil, &InsufficientStockError{
				BookID:    b.ID,
				Title:     b.Title,
				Requested: l.Quantity,
				Available: b.AvailableQty,
			}
		}
		lines[i] = Line{
			BookID:    b.ID,
			Title:     b.Title,
			Image:     b.Image,
			Quantity:  l.Quantity,
			UnitPrice: b.Price,
		}
		total = total.Add(lines[i].Subtotal())
	}

	now := s.now().UTC()
	o := &Order{
		ID:        uuid.New().String(),
		BuyerID:   req.BuyerID,
		Lines:     lines,
		Total:     total,
		Currency:  s.cfg.Currency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	session, err := s.gateway.CreateSession(ctx, s.sessionRequest(o))
	if err != nil {
		// The order stays pending without a session reference; it is
		// recoverable and shows up in the stale pending report.
		lg.Warn("Create payment session failed", zap.Error(err))
		return nil, errors.Wrap(ErrPaymentUnavailable, err.Error())
	}

	if err := s.orders.AttachSession(ctx, o.ID, session.ID); err != nil {
		// Events resolve orders through session metadata, so the checkout can
		// still complete without the stored reference.
		lg.Error("Attach payment session failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	} else {
		o.SessionRef = session.ID
	}

	lg.Info("Checkout started",
		zap.String("buyer_id", o.BuyerID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.Int("lines", len(o.Lines)),
	)

	return &CheckoutResult{
		Order:       o,
		CheckoutURL: session.URL,
	}, nil
}

func (s *Service) sessionRequest(o *Order) payment.SessionRequest {
	items := make([]payment.LineItem, len(o.Lines))
	for i, l := range o.Lines {
		items[i] = payment.LineItem{
			Name:       l.Title,
			Image:      l.Image,
			UnitAmount: payment.ToMinorUnits(l.UnitPrice),
			Quantity:   int64(l.Quantity),
		}
	}
	return payment.SessionRequest{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		Currency:   o.Currency,
		Lines:      items,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	}
}

// mergeLines validates quantities and folds repeated books into a single
// line at the position of their first occurrence.
func mergeLines(in []CartLine) ([]CartLine, error) {
	if len(in) == 0 {
		return nil, ErrEmptyCart
	}
	out := make([]CartLine, 0, len(in))
	pos := make(map[string]int, len(in))
	for _, l := range in {
		if l.Quantity < 1 {
			return nil, &InvalidQuantityError{BookID: l.BookID}
		}
		if i, ok := pos[l.BookID]; ok {
			if out[i].Quantity > math.MaxInt-l.Quantity {
				return nil, &InvalidQuantityError{BookID: l.BookID}
			}
			out[i].Quantity += l.Quantity
			continue
		}
		pos[l.BookID] = len(out)
		out = append(out, l)
	}
	return out, nil
}
