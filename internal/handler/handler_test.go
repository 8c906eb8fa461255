package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
	"github.com/xenking/bookstore-checkout/internal/domain/catalog"
	"github.com/xenking/bookstore-checkout/internal/domain/order"
	"github.com/xenking/bookstore-checkout/internal/domain/payment"
	"github.com/xenking/bookstore-checkout/internal/domain/reconcile"
	"github.com/xenking/bookstore-checkout/internal/gateway/stripegw"
	"github.com/xenking/bookstore-checkout/internal/storage/memory"
	"github.com/xenking/bookstore-checkout/pkg/health"
)

const (
	testPepper  = "pepper"
	testSecret  = "whsec_test"
	buyerKey    = "buyer-key"
	otherKey    = "other-key"
	adminKey    = "admin-key"
	bookID      = "b1"
	sessionHost = "https://checkout.example/"
)

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	id := fmt.Sprintf("cs_test_%d", g.calls)
	return &payment.Session{ID: id, URL: sessionHost + id}, nil
}

type testEnv struct {
	store   *memory.Store
	gateway *fakeGateway
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	store.PutBook(catalog.Book{
		ID:           bookID,
		Title:        "Pride and Prejudice",
		Price:        decimal.RequireFromString("50.00"),
		AvailableQty: 5,
	})
	for key, p := range map[string]auth.Principal{
		buyerKey: {UserID: "u1", Role: auth.RoleBuyer},
		otherKey: {UserID: "u2", Role: auth.RoleBuyer},
		adminKey: {UserID: "root", Role: auth.RoleAdmin},
	} {
		store.PutAPIKey(auth.APIKeyInfo{
			ID:      key,
			KeyHash: auth.HashKey([]byte(testPepper), key),
			UserID:  p.UserID,
			Role:    p.Role,
		})
	}

	gw := &fakeGateway{}
	meter := noop.NewMeterProvider().Meter("test")
	svc := order.NewService(order.ServiceConfig{
		Currency:   "egp",
		SuccessURL: "http://localhost:5173/success",
		CancelURL:  "http://localhost:5173/cancel",
	}, store.Books(), store.Orders(), gw)

	rec, err := reconcile.NewReconciler(stripegw.NewVerifier(testSecret, 0), store.Orders(), meter)
	require.NoError(t, err)
	h, err := NewHandler(svc, rec, meter)
	require.NoError(t, err)

	probes := health.New()
	probes.SetReady(true)

	return &testEnv{
		store:   store,
		gateway: gw,
		router:  NewRouter(h, NewSecurityHandler(store.APIKeys(), []byte(testPepper)), probes),
	}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) checkout(t *testing.T, key string, qty int) checkoutResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/order/checkout", key, map[string]any{
		"lines": []map[string]any{{"bookId": bookID, "quantity": qty}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, w.Code, e.Code)
	return e
}

func TestCheckout(t *testing.T) {
	t.Run("creates pending order", func(t *testing.T) {
		env := newTestEnv(t)
		res := env.checkout(t, buyerKey, 2)
		assert.Equal(t, sessionHost+"cs_test_1", res.CheckoutURL)
		require.NotEmpty(t, res.OrderID)

		w := env.do(t, http.MethodGet, "/api/order/"+res.OrderID, buyerKey, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var o orderView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
		assert.Equal(t, "pending", o.PaymentStatus)
		assert.Equal(t, "100.00", o.TotalAmount)
		assert.Equal(t, "u1", o.BuyerID)
		assert.Equal(t, "cs_test_1", o.SessionRef)
		require.Len(t, o.Lines, 1)
		assert.Equal(t, "50.00", o.Lines[0].UnitPrice)

		b, err := env.store.Books().GetByID(context.Background(), bookID)
		require.NoError(t, err)
		assert.Equal(t, 5, b.AvailableQty, "checkout does not touch stock")
	})

	t.Run("errors", func(t *testing.T) {
		env := newTestEnv(t)
		line := func(id string, qty int) map[string]any {
			return map[string]any{"lines": []map[string]any{{"bookId": id, "quantity": qty}}}
		}

		for _, tc := range []struct {
			name string
			key  string
			body any
			code int
			msg  string
		}{
			{"no key", "", line(bookID, 1), http.StatusUnauthorized, "missing api key"},
			{"bad key", "nope", line(bookID, 1), http.StatusUnauthorized, "unauthorized"},
			{"bad json", buyerKey, "{", http.StatusBadRequest, "invalid request body"},
			{"empty cart", buyerKey, map[string]any{"lines": []any{}}, http.StatusBadRequest, order.ErrEmptyCart.Error()},
			{"zero quantity", buyerKey, line(bookID, 0), http.StatusBadRequest, ""},
			{"unknown book", buyerKey, line("missing", 1), http.StatusNotFound, "book missing not found"},
			{"insufficient stock", buyerKey, line(bookID, 6), http.StatusConflict, "only 5 left for: Pride and Prejudice"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				w := env.do(t, http.MethodPost, "/api/order/checkout", tc.key, tc.body)
				require.Equal(t, tc.code, w.Code, w.Body.String())
				e := decodeError(t, w)
				if tc.msg != "" {
					assert.Equal(t, tc.msg, e.Message)
				}
			})
		}

		orders, total, err := env.store.Orders().List(context.Background(), order.Filter{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, orders)
		assert.Zero(t, env.gateway.calls)
	})

	t.Run("gateway unavailable", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.err = errors.New("stripe down")

		w := env.do(t, http.MethodPost, "/api/order/checkout", buyerKey, map[string]any{
			"lines": []map[string]any{{"bookId": bookID, "quantity": 1}},
		})
		require.Equal(t, http.StatusBadGateway, w.Code)
		decodeError(t, w)

		stale, err := env.store.Orders().ListStalePending(context.Background(), time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, order.StatusPending, stale[0].Status)
	})
}

func TestOrderQueries(t *testing.T) {
	env := newTestEnv(t)
	mine := env.checkout(t, buyerKey, 1)
	env.checkout(t, buyerKey, 2)
	theirs := env.checkout(t, otherKey, 1)

	list := func(t *testing.T, key, query string) orderPage {
		t.Helper()
		w := env.do(t, http.MethodGet, "/api/order"+query, key, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page orderPage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		return page
	}

	t.Run("get", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/order/"+mine.OrderID, buyerKey, nil).Code)
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/order/"+theirs.OrderID, adminKey, nil).Code)

		w := env.do(t, http.MethodGet, "/api/order/"+theirs.OrderID, buyerKey, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		decodeError(t, w)

		w = env.do(t, http.MethodGet, "/api/order/unknown", buyerKey, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("buyer list", func(t *testing.T) {
		page := list(t, buyerKey, "")
		assert.Equal(t, 2, page.Total)
		for _, o := range page.Orders {
			assert.Equal(t, "u1", o.BuyerID)
		}

		page = list(t, buyerKey, "?admin=true")
		assert.Equal(t, 2, page.Total, "admin flag ignored for buyers")

		page = list(t, buyerKey, "?limit=1&page=2")
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, 2, page.TotalPages)
		assert.Len(t, page.Orders, 1)

		page = list(t, buyerKey, "?minTotal=75&to="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
		assert.Equal(t, 1, page.Total)
	})

	t.Run("admin list", func(t *testing.T) {
		assert.Equal(t, 0, list(t, adminKey, "").Total)
		assert.Equal(t, 3, list(t, adminKey, "?admin=true").Total)
		page := list(t, adminKey, "?admin=true&userId=u2&status=pending")
		require.Equal(t, 1, page.Total)
		assert.Equal(t, theirs.OrderID, page.Orders[0].ID)
	})

	t.Run("invalid filters", func(t *testing.T) {
		for _, q := range []string{"?status=shipped", "?minTotal=abc", "?page=-1", "?admin=maybe", "?from=yesterday", "?minTotal=10&maxTotal=5"} {
			w := env.do(t, http.MethodGet, "/api/order"+q, buyerKey, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}

func signedEvent(orderID, eventID string) (string, string) {
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed",`+
		`"data":{"object":{"id":"cs_test_1","object":"checkout.session","metadata":{"orderId":%q}}}}`, eventID, orderID)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return payload, signed.Header
}

func TestStripeWebhook(t *testing.T) {
	env := newTestEnv(t)
	res := env.checkout(t, buyerKey, 2)
	payload, sig := signedEvent(res.OrderID, "evt_1")

	post := func(body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", bytes.NewBufferString(body))
		if sig != "" {
			req.Header.Set(HeaderStripeSignature, sig)
		}
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	for range 3 {
		w := post(payload, sig)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"received":true}`, w.Body.String())
	}

	b, err := env.store.Books().GetByID(context.Background(), bookID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.AvailableQty)
	assert.Equal(t, 2, b.SoldCount)

	o, err := env.store.Orders().GetByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)

	unknown, unknownSig := signedEvent("no-such-order", "evt_2")
	assert.Equal(t, http.StatusOK, post(unknown, unknownSig).Code)

	w := post(payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, post(payload, "").Code)
}

func TestRouterFallbacks(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/livez", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/nothing", buyerKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeError(t, w)

	w = env.do(t, http.MethodDelete, "/api/order", buyerKey, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
