package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
)

type checkoutRequest struct {
	Lines []struct {
		BookID   string `json:"bookId"`
		Quantity int    `json:"quantity"`
	} `json:"lines"`
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	OrderID     string `json:"orderId"`
}

type lineView struct {
	BookID    string `json:"bookId"`
	Title     string `json:"title"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type orderView struct {
	ID                     string     `json:"id"`
	BuyerID                string     `json:"buyerId"`
	Lines                  []lineView `json:"lines"`
	TotalAmount            string     `json:"totalAmount"`
	Currency               string     `json:"currency"`
	PaymentStatus          string     `json:"paymentStatus"`
	SessionRef             string     `json:"externalSessionRef,omitempty"`
	ReconciliationRequired bool       `json:"reconciliationRequired"`
	ReconciliationNote     string     `json:"reconciliationNote,omitempty"`
	PaidAt                 *time.Time `json:"paidAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

type orderPage struct {
	Orders     []orderView `json:"orders"`
	Page       int         `json:"page"`
	TotalPages int         `json:"totalPages"`
	Total      int         `json:"total"`
}

func toOrderView(o *order.Order) orderView {
	lines := make([]lineView, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = lineView{
			BookID:    l.BookID,
			Title:     l.Title,
			Image:     l.Image,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
		}
	}
	return orderView{
		ID:                     o.ID,
		BuyerID:                o.BuyerID,
		Lines:                  lines,
		TotalAmount:            o.Total.StringFixed(2),
		Currency:               o.Currency,
		PaymentStatus:          string(o.Status),
		SessionRef:             o.SessionRef,
		ReconciliationRequired: o.ReconciliationRequired,
		ReconciliationNote:     o.ReconciliationNote,
		PaidAt:                 o.PaidAt,
		CreatedAt:              o.CreatedAt,
		UpdatedAt:              o.UpdatedAt,
	}
}

// principal returns the caller resolved by SecurityHandler.Authenticate.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// Checkout handles POST /api/order/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.countCheckout(r, "invalid")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lines := make([]order.CartLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = order.CartLine{BookID: l.BookID, Quantity: l.Quantity}
	}

	res, err := h.orders.CreateCheckout(r.Context(), order.CheckoutRequest{
		BuyerID: principal(r).UserID,
		Lines:   lines,
	})
	if err != nil {
		code, _ := statusOf(err)
		h.countCheckout(r, strconv.Itoa(code))
		h.fail(w, r, err)
		return
	}

	h.countCheckout(r, "created")
	writeJSON(w, http.StatusOK, checkoutResponse{
		CheckoutURL: res.CheckoutURL,
		OrderID:     res.Order.ID,
	})
}

func (h *Handler) countCheckout(r *http.Request, outcome string) {
	h.checkouts.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ListOrders handles GET /api/order.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	req, err := parseListRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.orders.ListOrders(r.Context(), principal(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page := orderPage{
		Orders:     make([]orderView, len(res.Orders)),
		Page:       res.Page,
		TotalPages: res.TotalPages,
		Total:      res.Total,
	}
	for i := range res.Orders {
		page.Orders[i] = toOrderView(&res.Orders[i])
	}
	writeJSON(w, http.StatusOK, page)
}

// GetOrder handles GET /api/order/{orderId}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), principal(r), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func parseListRequest(r *http.Request) (order.ListRequest, error) {
	q := r.URL.Query()
	req := order.ListRequest{
		BuyerID: q.Get("userId"),
		Status:  order.Status(q.Get("status")),
	}

	var err error
	if req.Page, err = intParam(q.Get("page"), "page"); err != nil {
		return req, err
	}
	if req.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return req, err
	}
	if v := q.Get("admin"); v != "" {
		if req.Admin, err = strconv.ParseBool(v); err != nil {
			return req, &order.InvalidFilterError{Field: "admin", Reason: "must be a boolean"}
		}
	}
	if req.MinTotal, err = decimalParam(q.Get("minTotal"), "minTotal"); err != nil {
		return req, err
	}
	if req.MaxTotal, err = decimalParam(q.Get("maxTotal"), "maxTotal"); err != nil {
		return req, err
	}
	if req.CreatedFrom, err = timeParam(q.Get("from"), "from", false); err != nil {
		return req, err
	}
	if req.CreatedTo, err = timeParam(q.Get("to"), "to", true); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &order.InvalidFilterError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func decimalParam(v, field string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, &order.InvalidFilterError{Field: field, Reason: "must be a decimal amount"}
	}
	return &d, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func timeParam(v, field string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, &order.InvalidFilterError{Field: field, Reason: "must be RFC 3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
