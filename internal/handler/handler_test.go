package handler_test

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/commerce/commercetest"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/pricing"
	"github.com/xenking/kart-sync/internal/domain/shipping"
	"github.com/xenking/kart-sync/internal/handler"
	"github.com/xenking/kart-sync/internal/storage/memory"
)

// --- Helpers ---

type harness struct {
	srv      *commercetest.Server
	slots    *memory.Slot
	registry *handler.Registry
	mux      *http.ServeMux
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	srv := commercetest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddAccount("tok", commerce.Profile{ID: "u1", Name: "Ada", RewardPoints: 50})

	client, err := commerce.NewClient(srv.URL())
	require.NoError(t, err)

	slots := memory.NewSlot()
	attachments := checkout.NewAttachments(1024, time.Minute)
	reg := handler.NewRegistry(handler.RegistryConfig{
		Backend:     client,
		Slots:       func(id string) cart.Slot { return slots.Scoped(id) },
		Pricing:     pricing.NewCalculator(shipping.NewCalculator(shipping.DefaultTable(), decimal.Zero), decimal.Zero),
		Attachments: attachments,
	})
	t.Cleanup(reg.Close)

	mux := http.NewServeMux()
	handler.NewHandler(handler.Config{WaitTimeout: 2 * time.Second}, reg, attachments, nil).Register(mux)

	return &harness{srv: srv, slots: slots, registry: reg, mux: mux}
}

type response struct {
	status  int
	session string
	body    []byte
}

func (h *harness) do(t *testing.T, method, target, session, token, body string) response {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		r.Header.Set(handler.SessionHeader, session)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)
	return response{status: w.Code, session: w.Header().Get(handler.SessionHeader), body: w.Body.Bytes()}
}

// settle waits for in-flight discount calls of the session.
func (h *harness) settle(t *testing.T, session, token string) {
	t.Helper()
	sess, err := h.registry.Session(context.Background(), session, token)
	require.NoError(t, err)
	sess.Wait()
}

// field extracts a top-level field of a JSON object as raw text. Strings are
// returned without quotes.
func field(t *testing.T, body []byte, name string) string {
	t.Helper()
	var out string
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != name {
			return d.Skip()
		}
		if d.Next() == jx.String {
			s, err := d.Str()
			out = s
			return err
		}
		raw, err := d.Raw()
		out = raw.String()
		return err
	})
	require.NoError(t, err, string(body))
	return out
}

func amount(t *testing.T, body []byte, name string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(field(t, body, name))
}

const teeJSON = `{"productId":"p1","colorName":"red","size":"M","quantity":3,"unitPrice":1500,"name":"Tee","category":"tees"}`

// --- Tests ---

func TestCart_IssuesSession(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodGet, "/api/cart", "", "", "")
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	_, err := uuid.Parse(res.session)
	require.NoError(t, err)

	assert.Equal(t, "cart", field(t, res.body, "view"))
	assert.Equal(t, "ready", field(t, res.body, "state"))
	assert.Equal(t, "[]", field(t, res.body, "items"))
	assert.True(t, amount(t, res.body, "total").IsZero())

	// A malformed id is replaced.
	res = h.do(t, http.MethodGet, "/api/cart", "not-a-uuid", "", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.NotEqual(t, "not-a-uuid", res.session)
}

func TestCart_MutationsReachEveryView(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()

	res := h.do(t, http.MethodPost, "/api/cart/items", sid, "", teeJSON)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	assert.Equal(t, sid, res.session)
	assert.True(t, decimal.NewFromInt(4500).Equal(amount(t, res.body, "subtotal")))
	assert.True(t, decimal.NewFromInt(5000).Equal(amount(t, res.body, "total")))

	for _, name := range []string{"desktop", "mobile", "checkout"} {
		res := h.do(t, http.MethodGet, "/api/summary/"+name, sid, "", "")
		require.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, name, field(t, res.body, "view"))
		assert.True(t, decimal.NewFromInt(4500).Equal(amount(t, res.body, "subtotal")), name)
		assert.Equal(t, "3", field(t, res.body, "quantity"))
	}

	res = h.do(t, http.MethodPatch, "/api/cart/items", sid, "", `{"productId":"p1","colorName":"red","size":"M","quantity":1}`)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	assert.True(t, decimal.NewFromInt(1500).Equal(amount(t, res.body, "subtotal")))

	res = h.do(t, http.MethodGet, "/api/summary/mobile", sid, "", "")
	assert.True(t, decimal.NewFromInt(1500).Equal(amount(t, res.body, "subtotal")))

	res = h.do(t, http.MethodDelete, "/api/cart/items?productId=p1&colorName=red&size=M", sid, "", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "[]", field(t, res.body, "items"))
}

func TestCart_Errors(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"malformed body", http.MethodPost, "/api/cart/items", `{"productId":`, http.StatusBadRequest},
		{"invalid quantity", http.MethodPost, "/api/cart/items", `{"productId":"p1","quantity":0,"unitPrice":10}`, http.StatusUnprocessableEntity},
		{"unknown line", http.MethodPatch, "/api/cart/items", `{"productId":"nope","quantity":2}`, http.StatusNotFound},
		{"missing product id", http.MethodDelete, "/api/cart/items", "", http.StatusBadRequest},
		{"unknown view", http.MethodGet, "/api/summary/tablet", "", http.StatusNotFound},
		{"empty checkout", http.MethodPost, "/api/checkout", `{"paymentMethod":"cod"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.do(t, tt.method, tt.target, sid, "", tt.body)
			assert.Equal(t, tt.status, res.status, string(res.body))
			assert.NotEmpty(t, field(t, res.body, "message"))
		})
	}
}

func TestSummary_DestinationIsPerView(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()
	h.do(t, http.MethodPost, "/api/cart/items", sid, "", `{"productId":"p1","colorName":"red","size":"M","quantity":1,"unitPrice":1000}`)

	res := h.do(t, http.MethodPut, "/api/summary/checkout/destination", sid, "",
		`{"countryCode":"IN","countryName":"India","provinceOrState":"Kerala"}`)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	assert.True(t, decimal.NewFromInt(200).Equal(amount(t, res.body, "shippingCharge")))
	assert.True(t, decimal.NewFromInt(1200).Equal(amount(t, res.body, "total")))
	assert.Contains(t, field(t, res.body, "destination"), `"India"`)

	// Other views keep the default rate.
	res = h.do(t, http.MethodGet, "/api/summary/desktop", sid, "", "")
	assert.True(t, decimal.NewFromInt(500).Equal(amount(t, res.body, "shippingCharge")))
	assert.Equal(t, "null", field(t, res.body, "destination"))

	res = h.do(t, http.MethodPut, "/api/summary/checkout/destination", sid, "", `null`)
	require.Equal(t, http.StatusOK, res.status)
	assert.True(t, decimal.NewFromInt(500).Equal(amount(t, res.body, "shippingCharge")))
}

func TestSummary_AuthenticatedDiscountAndPoints(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()

	h.do(t, http.MethodPost, "/api/cart/items", sid, "tok",
		`{"productId":"p1","colorName":"red","size":"M","quantity":2,"unitPrice":1500}`)
	h.settle(t, sid, "tok")

	res := h.do(t, http.MethodPut, "/api/summary/checkout/points", sid, "tok", `{"points":80}`)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	h.settle(t, sid, "tok")

	res = h.do(t, http.MethodGet, "/api/summary/checkout", sid, "tok", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "ready", field(t, res.body, "state"))
	assert.Equal(t, "Loyalty 5%", field(t, res.body, "discountReason"))
	assert.True(t, decimal.NewFromInt(150).Equal(amount(t, res.body, "discount")))
	assert.True(t, decimal.NewFromInt(50).Equal(amount(t, res.body, "pointsDiscount")))
	// 3000 + 500 shipping - 150 - 50
	assert.True(t, decimal.NewFromInt(3300).Equal(amount(t, res.body, "total")))
	assert.JSONEq(t, `{"requested":80,"applied":50,"available":50}`, field(t, res.body, "points"))

	// The cart view never asked for points.
	res = h.do(t, http.MethodGet, "/api/cart", sid, "tok", "")
	assert.True(t, amount(t, res.body, "pointsDiscount").IsZero())
}

func TestSummary_WaitForRevision(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()
	h.srv.Hold()
	t.Cleanup(h.srv.Release)

	res := h.do(t, http.MethodPost, "/api/cart/items", sid, "tok", teeJSON)
	require.Equal(t, http.StatusOK, res.status)
	res = h.do(t, http.MethodGet, "/api/summary/desktop", sid, "tok", "")
	require.Equal(t, "awaiting_discount", field(t, res.body, "state"))
	rev := field(t, res.body, "revision")

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.srv.Release()
	}()

	res = h.do(t, http.MethodGet, "/api/summary/desktop?after="+rev, sid, "tok", "")
	require.Equal(t, http.StatusOK, res.status)
	assert.NotEqual(t, rev, field(t, res.body, "revision"))
	assert.Equal(t, "ready", field(t, res.body, "state"))

	res = h.do(t, http.MethodGet, "/api/summary/desktop?after=abc", sid, "tok", "")
	assert.Equal(t, http.StatusBadRequest, res.status)
}

func TestSummary_FailureAndRetry(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()
	h.srv.FailDiscounts(http.StatusServiceUnavailable, "Discount service down")

	h.do(t, http.MethodPost, "/api/cart/items", sid, "tok", teeJSON)
	h.settle(t, sid, "tok")

	res := h.do(t, http.MethodGet, "/api/summary/mobile", sid, "tok", "")
	assert.Equal(t, "Discount service down", field(t, res.body, "failure"))
	assert.Equal(t, "true", field(t, res.body, "retryable"))
	assert.True(t, amount(t, res.body, "discount").IsZero())

	h.srv.ClearFailures()
	res = h.do(t, http.MethodPost, "/api/summary/mobile/retry", sid, "tok", "")
	require.Equal(t, http.StatusAccepted, res.status)
	h.settle(t, sid, "tok")

	res = h.do(t, http.MethodGet, "/api/summary/mobile", sid, "tok", "")
	assert.Equal(t, "false", field(t, res.body, "retryable"))
	assert.True(t, decimal.NewFromInt(225).Equal(amount(t, res.body, "discount")))
}

func TestCheckout_PlaceOrder(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()

	h.do(t, http.MethodPost, "/api/cart/items", sid, "tok", teeJSON)
	h.do(t, http.MethodPut, "/api/summary/checkout/destination", sid, "tok", `{"countryName":"India"}`)
	h.settle(t, sid, "tok")

	res := h.do(t, http.MethodPost, "/api/checkout", sid, "tok",
		`{"contact":{"name":"Ada","phone":"123"},"paymentMethod":"cod"}`)
	require.Equal(t, http.StatusCreated, res.status, string(res.body))
	assert.NotEmpty(t, field(t, res.body, "orderId"))
	// 4500 + 200 - 225
	assert.True(t, decimal.NewFromInt(4475).Equal(amount(t, res.body, "total")))

	orders := h.srv.Orders()
	require.Len(t, orders, 1)
	assert.True(t, decimal.NewFromInt(4475).Equal(orders[0].Total))
	assert.Equal(t, "India", orders[0].Country)

	h.settle(t, sid, "tok")
	res = h.do(t, http.MethodGet, "/api/cart", sid, "tok", "")
	assert.Equal(t, "[]", field(t, res.body, "items"))
}

func TestCheckout_BackendFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()
	h.do(t, http.MethodPost, "/api/cart/items", sid, "", teeJSON)
	h.srv.FailOrders(http.StatusServiceUnavailable, "Orders are paused")

	res := h.do(t, http.MethodPost, "/api/checkout", sid, "", `{"paymentMethod":"cod"}`)
	require.Equal(t, http.StatusBadGateway, res.status)
	assert.Equal(t, "Orders are paused", field(t, res.body, "message"))
	assert.Equal(t, "true", field(t, res.body, "retryable"))

	res = h.do(t, http.MethodGet, "/api/cart", sid, "", "")
	assert.Equal(t, "3", field(t, res.body, "quantity"))
}

func TestCheckout_Attachment(t *testing.T) {
	h := newHarness(t)
	sid := uuid.NewString()

	upload := func(data []byte) response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("receipt", "receipt.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		r := httptest.NewRequest(http.MethodPost, "/api/checkout/attachments", &buf)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		r.Header.Set(handler.SessionHeader, sid)
		w := httptest.NewRecorder()
		h.mux.ServeHTTP(w, r)
		return response{status: w.Code, body: w.Body.Bytes()}
	}

	res := upload(bytes.Repeat([]byte("x"), 100))
	require.Equal(t, http.StatusCreated, res.status, string(res.body))
	id := field(t, res.body, "id")
	assert.Equal(t, "100", field(t, res.body, "size"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, upload(bytes.Repeat([]byte("x"), 2048)).status)

	h.do(t, http.MethodPost, "/api/cart/items", sid, "", teeJSON)
	res = h.do(t, http.MethodPost, "/api/checkout", sid, "",
		`{"paymentMethod":"bank","attachmentId":"`+id+`"}`)
	require.Equal(t, http.StatusCreated, res.status, string(res.body))

	orders := h.srv.Orders()
	require.Len(t, orders, 1)
	require.NotNil(t, orders[0].Receipt)
	assert.Len(t, orders[0].Receipt.Data, 100)

	// Attachments are single use.
	h.do(t, http.MethodPost, "/api/cart/items", sid, "", teeJSON)
	res = h.do(t, http.MethodPost, "/api/checkout", sid, "",
		`{"paymentMethod":"bank","attachmentId":"`+id+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
}

func TestRegistry_SessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sid := uuid.NewString()

	guest, err := h.registry.Session(ctx, sid, "")
	require.NoError(t, err)
	again, err := h.registry.Session(ctx, sid, "")
	require.NoError(t, err)
	assert.Same(t, guest, again)
	require.NoError(t, guest.Store().AddOrMerge(ctx, cart.Item{ProductID: "p1", Quantity: 1, UnitPrice: decimal.NewFromInt(100)}))

	// Signing in replaces the session but keeps the cart.
	signedIn, err := h.registry.Session(ctx, sid, "tok")
	require.NoError(t, err)
	assert.NotSame(t, guest, signedIn)
	assert.Equal(t, int64(50), signedIn.PointsAvailable())
	assert.Len(t, signedIn.Store().Load(ctx).Items, 1)
	assert.Equal(t, 1, h.registry.Len())

	assert.Zero(t, h.registry.Sweep(time.Now()))
	assert.Equal(t, 1, h.registry.Sweep(time.Now().Add(time.Hour)))
	assert.Zero(t, h.registry.Len())

	h.registry.Close()
	_, err = h.registry.Session(ctx, sid, "")
	require.Error(t, err)
}
