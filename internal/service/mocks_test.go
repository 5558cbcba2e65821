package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"merch-service/internal/fulfillment"
	"merch-service/internal/models"
	"merch-service/internal/payments"
	"merch-service/internal/redisclient"
	"merch-service/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_service_test"

// memoryStore is an in-memory CatalogStore, OrderStore and EventStore with the same
// conditional-update semantics as the Postgres store.
type memoryStore struct {
	mu            sync.Mutex
	products      map[string]*models.Product
	nextProductID int64
	orders        map[int64]*models.Order
	bySession     map[string]int64
	items         map[int64][]models.OrderItem
	nextOrderID   int64
	events        map[string]string

	errEvents  error
	errCreate  error
	upsertErrs map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		products:   make(map[string]*models.Product),
		orders:     make(map[int64]*models.Order),
		bySession:  make(map[string]int64),
		items:      make(map[int64][]models.OrderItem),
		events:     make(map[string]string),
		upsertErrs: make(map[string]error),
	}
}

func (s *memoryStore) GetProductsByExternalIDs(_ context.Context, ids []string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertProduct(_ context.Context, product *models.Product) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErrs[product.ExternalID]; err != nil {
		return false, err
	}

	if existing, ok := s.products[product.ExternalID]; ok {
		existing.Title = product.Title
		existing.Description = product.Description
		existing.Images = product.Images
		existing.Variants = product.Variants
		existing.Active = product.Active
		existing.UpdatedAt = time.Now()

		product.ID = existing.ID
		product.BasePrice = existing.BasePrice
		product.Category = existing.Category
		product.Published = existing.Published
		product.AssociationReference = existing.AssociationReference
		return false, nil
	}

	s.nextProductID++
	product.ID = s.nextProductID
	product.Published = false
	product.CreatedAt = time.Now()
	product.UpdatedAt = product.CreatedAt
	stored := *product
	s.products[product.ExternalID] = &stored
	return true, nil
}

func (s *memoryStore) ListUnassociatedProducts(_ context.Context, limit int) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Product{}
	for _, p := range s.products {
		if !p.Published {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) AssociateProduct(_ context.Context, externalID, reference string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[externalID]
	if !ok {
		return nil, nil
	}
	p.AssociationReference = &reference
	p.Published = true
	out := *p
	return &out, nil
}

func (s *memoryStore) product(externalID string) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[externalID]
	if !ok {
		return nil
	}
	out := *p
	return &out
}

func (s *memoryStore) productCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products)
}

func (s *memoryStore) CreateOrderWithItems(_ context.Context, order *models.Order, items []models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCreate != nil {
		return s.errCreate
	}
	if _, ok := s.bySession[order.PaymentSessionID]; ok {
		return store.ErrDuplicateSession
	}
	if order.Total != order.Subtotal+order.Tax+order.Shipping {
		return errors.New("violates check constraint orders_total_breakdown")
	}
	for _, item := range items {
		if item.LineTotal != item.UnitPrice*int64(item.Quantity) {
			return errors.New("violates check constraint order_items_line_total")
		}
	}

	s.nextOrderID++
	order.ID = s.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	stored := *order
	s.orders[order.ID] = &stored
	s.bySession[order.PaymentSessionID] = order.ID
	for i := range items {
		items[i].OrderID = order.ID
		items[i].ID = int64(i + 1)
	}
	s.items[order.ID] = append([]models.OrderItem{}, items...)
	return nil
}

func (s *memoryStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	out := *o
	return &out, nil
}

func (s *memoryStore) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	s.mu.Lock()
	id, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.GetOrderByID(ctx, id)
}

func (s *memoryStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderItem{}, s.items[orderID]...), nil
}

func (s *memoryStore) TransitionOrder(_ context.Context, orderID int64, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || !containsStatus(from, o.Status) {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (s *memoryStore) TransitionByPaymentIntent(_ context.Context, intentID string, from []models.OrderStatus, to models.OrderStatus) ([]store.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := []store.StatusChange{}
	for id, o := range s.orders {
		if o.PaymentIntentID == intentID && containsStatus(from, o.Status) {
			changes = append(changes, store.StatusChange{OrderID: id, From: o.Status})
			o.Status = to
		}
	}
	return changes, nil
}

func (s *memoryStore) HasOrderForPaymentIntent(_ context.Context, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentIntentID == intentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) SetFulfillmentOrderID(_ context.Context, orderID int64, fulfillmentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.FulfillmentOrderID != nil {
		return false, nil
	}
	o.FulfillmentOrderID = &fulfillmentID
	return true, nil
}

func (s *memoryStore) ListOrdersAwaitingFulfillment(_ context.Context, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Order{}
	for _, o := range s.orders {
		if o.AwaitingFulfillment() {
			out = append(out, *o)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errEvents != nil {
		return false, s.errEvents
	}
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *memoryStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = eventType
	return nil
}

func (s *memoryStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memoryStore) onlyOrder(t *testing.T) *models.Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.orders, 1)
	for _, o := range s.orders {
		out := *o
		return &out
	}
	return nil
}

func containsStatus(list []models.OrderStatus, st models.OrderStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

type publishedEvent struct {
	Type    string
	OrderID int64
	To      models.OrderStatus
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error

	onMaterialized func()
}

func (p *fakePublisher) add(e publishedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *fakePublisher) PublishOrderMaterialized(_ context.Context, order *models.Order, _ int) error {
	if p.onMaterialized != nil {
		p.onMaterialized()
	}
	return p.add(publishedEvent{Type: models.EventTypeOrderMaterialized, OrderID: order.ID})
}

func (p *fakePublisher) PublishOrderStatusChanged(_ context.Context, orderID int64, _, to models.OrderStatus, _ string) error {
	return p.add(publishedEvent{Type: models.EventTypeOrderStatusChanged, OrderID: orderID, To: to})
}

func (p *fakePublisher) PublishFulfillmentSubmitted(_ context.Context, orderID int64, _ string) error {
	return p.add(publishedEvent{Type: models.EventTypeFulfillmentSubmitted, OrderID: orderID})
}

func (p *fakePublisher) PublishFulfillmentFailed(_ context.Context, orderID int64, _ string) error {
	return p.add(publishedEvent{Type: models.EventTypeFulfillmentFailed, OrderID: orderID})
}

func (p *fakePublisher) PublishProductDiscovered(_ context.Context, product *models.Product) error {
	return p.add(publishedEvent{Type: models.EventTypeProductDiscovered, OrderID: product.ID})
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// fakeFulfillmentAPI serves pages and products from memory and records order submissions
type fakeFulfillmentAPI struct {
	mu          sync.Mutex
	pages       map[int][]fulfillment.Product
	lastPage    int
	failPages   map[int]bool
	products    map[string]fulfillment.Product
	getCalls    int
	submissions []*fulfillment.OrderRequest
	createFails bool
	nextOrderID int
}

func newFakeFulfillmentAPI() *fakeFulfillmentAPI {
	return &fakeFulfillmentAPI{
		pages:     make(map[int][]fulfillment.Product),
		failPages: make(map[int]bool),
		products:  make(map[string]fulfillment.Product),
	}
}

func (f *fakeFulfillmentAPI) ListProducts(_ context.Context, page, limit int) fulfillment.Response[*fulfillment.ProductPage] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPages[page] {
		return fulfillment.Response[*fulfillment.ProductPage]{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	}
	data := f.pages[page]
	if len(data) > limit {
		data = data[:limit]
	}
	return fulfillment.Response[*fulfillment.ProductPage]{
		Success:    true,
		StatusCode: http.StatusOK,
		Data:       &fulfillment.ProductPage{CurrentPage: page, LastPage: f.lastPage, PerPage: limit, Data: data},
	}
}

func (f *fakeFulfillmentAPI) GetProduct(_ context.Context, productID string) fulfillment.Response[*fulfillment.Product] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	p, ok := f.products[productID]
	if !ok {
		return fulfillment.Response[*fulfillment.Product]{StatusCode: http.StatusNotFound, Message: "Product not found."}
	}
	return fulfillment.Response[*fulfillment.Product]{Success: true, StatusCode: http.StatusOK, Data: &p}
}

func (f *fakeFulfillmentAPI) CreateOrder(_ context.Context, order *fulfillment.OrderRequest) fulfillment.Response[*fulfillment.OrderResult] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, order)
	if f.createFails {
		return fulfillment.Response[*fulfillment.OrderResult]{StatusCode: http.StatusInternalServerError, Message: "upstream exploded"}
	}
	f.nextOrderID++
	return fulfillment.Response[*fulfillment.OrderResult]{
		Success:    true,
		StatusCode: http.StatusOK,
		Data:       &fulfillment.OrderResult{ID: fmt.Sprintf("po_%d", f.nextOrderID)},
	}
}

func (f *fakeFulfillmentAPI) setCreateFails(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFails = fail
}

func (f *fakeFulfillmentAPI) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

type fakeSessions struct {
	req     payments.SessionRequest
	calls   int
	err     error
	session *payments.Session
}

func (f *fakeSessions) CreateCheckoutSession(_ context.Context, req payments.SessionRequest) (*payments.Session, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &payments.Session{ID: "cs_test_1", URL: "https://checkout.example.com/cs_test_1", PaymentIntentID: "pi_test_1"}, nil
}

// testEnv wires the lifecycle core over in-memory fakes and a miniredis coordinator
type testEnv struct {
	store     *memoryStore
	api       *fakeFulfillmentAPI
	publisher *fakePublisher
	redis     *miniredis.Miniredis
	coord     *redisclient.Client
	submitter *FulfillmentSubmitter
	lifecycle *OrderLifecycleManager
	gateway   *WebhookGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{
		store:     newMemoryStore(),
		api:       newFakeFulfillmentAPI(),
		publisher: &fakePublisher{},
		redis:     mr,
		coord:     redisclient.NewFromRedis(rdb),
	}
	env.submitter = NewFulfillmentSubmitter(env.store, env.api, env.publisher, FulfillmentConfig{})
	env.lifecycle = NewOrderLifecycleManager(env.store, env.store, env.coord, env.submitter, env.publisher, LifecycleConfig{})
	env.gateway = NewWebhookGateway(payments.NewWebhookVerifier(testWebhookSecret), env.store, env.lifecycle)
	return env
}

func (e *testEnv) deliver(t *testing.T, payload []byte) (*IngestResult, error) {
	t.Helper()
	return e.gateway.Ingest(context.Background(), payload, payments.SignatureHeader(payload, testWebhookSecret, time.Now()))
}

func testIntent() *models.OrderIntent {
	return &models.OrderIntent{
		Customer: models.Customer{Email: "ada@example.com", Name: "Ada  King Lovelace", Phone: "555-0100"},
		Shipping: models.Address{Address1: "1 Analytical Way", City: "London", Zip: "N1 9GU"},
		Items: []models.CartItem{
			{ProductID: "prod-tee", VariantID: 11, Quantity: 2, Price: 1000, Title: "Tee"},
			{ProductID: "prod-mug", VariantID: 22, Quantity: 1, Price: 500, Title: "Mug"},
		},
	}
}

type sessionTotals struct {
	subtotal *int64
	total    int64
	tax      *int64
	shipping *int64
}

func i64(v int64) *int64 { return &v }

func eventPayload(t *testing.T, eventID, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

// restamp rewrites the event creation time of a payload
func restamp(t *testing.T, payload []byte, at time.Time) []byte {
	t.Helper()
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &event))
	event["created"] = at.Unix()
	out, err := json.Marshal(event)
	require.NoError(t, err)
	return out
}

func completedPayload(t *testing.T, eventID, sessionID, intentID string, intent *models.OrderIntent, amounts sessionTotals) []byte {
	t.Helper()

	object := map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"payment_intent": intentID,
		"payment_status": "paid",
		"currency":       "usd",
		"amount_total":   amounts.total,
	}
	if amounts.subtotal != nil {
		object["amount_subtotal"] = *amounts.subtotal
	}
	details := map[string]interface{}{}
	if amounts.tax != nil {
		details["amount_tax"] = *amounts.tax
	}
	if amounts.shipping != nil {
		details["amount_shipping"] = *amounts.shipping
	}
	object["total_details"] = details

	if intent != nil {
		metadata, err := payments.EncodeIntent(intent)
		require.NoError(t, err)
		object["metadata"] = metadata
	}
	return eventPayload(t, eventID, payments.EventCheckoutSessionCompleted, object)
}

func intentPayload(t *testing.T, eventID, eventType, intentID string) []byte {
	t.Helper()
	object := map[string]interface{}{
		"id":     intentID,
		"object": "payment_intent",
		"status": "succeeded",
	}
	if eventType == payments.EventPaymentIntentFailed {
		object["status"] = "requires_payment_method"
		object["last_payment_error"] = map[string]interface{}{"code": "card_declined", "message": "Your card was declined."}
	}
	return eventPayload(t, eventID, eventType, object)
}

func standardCompleted(t *testing.T, eventID string) []byte {
	return completedPayload(t, eventID, "cs_1", "pi_1", testIntent(), sessionTotals{
		subtotal: i64(2500),
		total:    2999,
		tax:      i64(199),
		shipping: i64(300),
	})
}
