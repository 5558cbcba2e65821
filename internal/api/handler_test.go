package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"merch-service/internal/models"
	"merch-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

type fakeIngester struct {
	payload   []byte
	signature string
	result    *service.IngestResult
	err       error
}

func (f *fakeIngester) Ingest(_ context.Context, payload []byte, signature string) (*service.IngestResult, error) {
	f.payload = payload
	f.signature = signature
	return f.result, f.err
}

type fakeCheckout struct {
	req *service.CheckoutRequest
	err error
}

func (f *fakeCheckout) CreateSession(_ context.Context, req *service.CheckoutRequest) (*service.CheckoutResult, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.CheckoutResult{URL: "https://checkout.example.com/cs_1", SessionID: "cs_1"}, nil
}

type fakeCatalog struct {
	lastAction string
	syncedID   string
	products   []models.Product
	assocErr   error
}

func (f *fakeCatalog) SyncAll(context.Context) *service.SyncStats {
	f.lastAction = "sync-all"
	return &service.SyncStats{Total: 3, Synced: 3, Created: 3, ErrorDetails: []string{}}
}

func (f *fakeCatalog) SyncOne(_ context.Context, id string) *service.SyncStats {
	f.lastAction = "sync-single"
	f.syncedID = id
	return &service.SyncStats{Total: 1, Synced: 1, Updated: 1, ErrorDetails: []string{}}
}

func (f *fakeCatalog) CreateSample(context.Context) (*service.SyncStats, error) {
	f.lastAction = "create-sample"
	return &service.SyncStats{Total: 1, Synced: 1, Created: 1, ErrorDetails: []string{}}, nil
}

func (f *fakeCatalog) Associate(_ context.Context, externalID, reference string) (*models.Product, error) {
	if f.assocErr != nil {
		return nil, f.assocErr
	}
	return &models.Product{ExternalID: externalID, AssociationReference: &reference, Published: true}, nil
}

func (f *fakeCatalog) ListUnassociated(context.Context, int) ([]models.Product, error) {
	return f.products, nil
}

type fakeOrders struct {
	order    *models.Order
	err      error
	retryErr error
}

func (f *fakeOrders) GetOrder(_ context.Context, id int64) (*models.Order, []models.OrderItem, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.order, []models.OrderItem{{OrderID: id, Quantity: 1}}, nil
}

func (f *fakeOrders) RetryFulfillment(context.Context, int64) (*models.Order, error) {
	return f.order, f.retryErr
}

func (f *fakeOrders) ListAwaitingFulfillment(context.Context, int) ([]models.Order, error) {
	return []models.Order{*f.order}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fixture struct {
	router   *gin.Engine
	webhooks *fakeIngester
	checkout *fakeCheckout
	catalog  *fakeCatalog
	orders   *fakeOrders
}

func newFixture(deps map[string]Pinger) *fixture {
	gin.SetMode(gin.TestMode)

	f := &fixture{
		webhooks: &fakeIngester{result: &service.IngestResult{EventID: "evt_1", Outcome: service.OutcomeProcessed}},
		checkout: &fakeCheckout{},
		catalog:  &fakeCatalog{},
		orders:   &fakeOrders{order: &models.Order{ID: 7, Status: models.OrderStatusPaid}},
	}
	h := NewHandler(f.webhooks, f.checkout, f.catalog, f.orders, Options{AdminToken: testAdminToken, Dependencies: deps})
	f.router = gin.New()
	h.SetupRoutes(f.router)
	return f
}

func (f *fixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPaymentWebhook(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodPost, "/webhooks/payment", []byte(`{"id":"evt_1"}`), map[string]string{signatureHeader: "t=1,v1=abc"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["received"])
	assert.Equal(t, `{"id":"evt_1"}`, string(f.webhooks.payload))
	assert.Equal(t, "t=1,v1=abc", f.webhooks.signature)

	f.webhooks.err = fmt.Errorf("%w: bad", service.ErrAuthenticationFailed)
	w = f.do(http.MethodPost, "/webhooks/payment", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.webhooks.err = service.Retryable(errors.New("db down"))
	w = f.do(http.MethodPost, "/webhooks/payment", []byte(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	f.webhooks.err = nil
	f.webhooks.result = &service.IngestResult{Outcome: service.OutcomeRejected}
	w = f.do(http.MethodPost, "/webhooks/payment", []byte(`not json`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.OutcomeRejected, decode(t, w)["outcome"])
}

func TestCreateCheckout(t *testing.T) {
	f := newFixture(nil)
	body := []byte(`{
		"customerEmail": "ada@example.com",
		"customerName": "Ada Lovelace",
		"shippingAddress": {"address1": "1 Analytical Way", "city": "London", "zip": "N1"},
		"cartItems": [{"product_id": "p1", "variant_id": 1, "quantity": 2, "price": 1000}]
	}`)

	w := f.do(http.MethodPost, "/checkout", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "cs_1", resp["sessionId"])
	assert.Equal(t, "https://checkout.example.com/cs_1", resp["url"])
	require.Len(t, f.checkout.req.CartItems, 1)

	w = f.do(http.MethodPost, "/checkout", []byte(`{"customerName": "x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.checkout.err = service.ErrInvalidCart
	w = f.do(http.MethodPost, "/checkout", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.checkout.err = &service.UpstreamError{Provider: "stripe", StatusCode: 400, Message: "amount too small"}
	w = f.do(http.MethodPost, "/checkout", body, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode(t, w)["details"], "amount too small")
}

func TestGetOrder(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/orders/7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "items")

	w = f.do(http.MethodGet, "/orders/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.orders.err = service.ErrNotFound
	w = f.do(http.MethodGet, "/orders/8", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"sync-all"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"sync-all"}`), map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.catalog.lastAction)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(f.webhooks, f.checkout, f.catalog, f.orders, Options{}).SetupRoutes(router)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders/awaiting-fulfillment", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersionedAliases(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/api/v1/orders/7", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/admin/sync", []byte(`{"action":"sync-all"}`), admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["total"])

	w = f.do(http.MethodPost, "/api/v1/admin/sync", []byte(`{"action":"sync-all"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body := []byte(`{
		"customerEmail": "ada@example.com",
		"customerName": "Ada Lovelace",
		"shippingAddress": {"address1": "1 Analytical Way", "city": "London", "zip": "N1"},
		"cartItems": [{"product_id": "p1", "variant_id": 1, "quantity": 2, "price": 1000}]
	}`)
	w = f.do(http.MethodPost, "/api/v1/checkout", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminSync(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"sync-all"}`), admin())
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, float64(3), stats["total"])
	assert.Equal(t, float64(3), stats["synced"])
	assert.Equal(t, float64(3), stats["created"])
	assert.Equal(t, float64(0), stats["updated"])
	assert.Equal(t, float64(0), stats["errors"])
	assert.Contains(t, stats, "errorDetails")
	assert.NotContains(t, stats, "stats")

	w = f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"sync-single","productId":"ext-9"}`), admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ext-9", f.catalog.syncedID)

	w = f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"sync-single"}`), admin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"create-sample"}`), admin())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "create-sample", f.catalog.lastAction)

	w = f.do(http.MethodPost, "/admin/sync", []byte(`{"action":"delete-everything"}`), admin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminProducts(t *testing.T) {
	f := newFixture(nil)
	f.catalog.products = []models.Product{{ExternalID: "ext-1"}}

	w := f.do(http.MethodGet, "/admin/products/unassociated", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["products"], 1)

	w = f.do(http.MethodPost, "/admin/products/ext-1/associate", []byte(`{"reference":"cms-42"}`), admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cms-42", decode(t, w)["association_ref"])

	w = f.do(http.MethodPost, "/admin/products/ext-1/associate", []byte(`{}`), admin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.catalog.assocErr = service.ErrNotFound
	w = f.do(http.MethodPost, "/admin/products/ext-404/associate", []byte(`{"reference":"cms-42"}`), admin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminFulfillment(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/admin/orders/awaiting-fulfillment", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["orders"], 1)

	w = f.do(http.MethodPost, "/admin/orders/7/fulfill", nil, admin())
	assert.Equal(t, http.StatusOK, w.Code)

	f.orders.retryErr = service.ErrNotEligible
	w = f.do(http.MethodPost, "/admin/orders/7/fulfill", nil, admin())
	assert.Equal(t, http.StatusConflict, w.Code)

	f.orders.retryErr = &service.UpstreamError{Provider: "printify", StatusCode: 400, Message: "invalid address"}
	w = f.do(http.MethodPost, "/admin/orders/7/fulfill", nil, admin())
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestReadiness(t *testing.T) {
	f := newFixture(map[string]Pinger{"postgres": fakePinger{}, "redis": fakePinger{}})
	w := f.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(map[string]Pinger{"postgres": fakePinger{}, "redis": fakePinger{err: errors.New("connection refused")}})
	w = f.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "connection refused", checks["redis"])
}
