package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/identity"
	"github.com/hanko-field/fulfillment/internal/notifications"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/printing"
	"github.com/hanko-field/fulfillment/internal/repositories/memory"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]domain.CatalogProduct
	prices   map[string]domain.CatalogPrice
	err      error
	calls    int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]domain.CatalogProduct{}, prices: map[string]domain.CatalogPrice{}}
}

func (c *fakeCatalog) add(product domain.CatalogProduct, price domain.CatalogPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[product.ID] = product
	c.prices[price.ID] = price
}

func (c *fakeCatalog) Product(_ context.Context, productID string) (domain.CatalogProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return domain.CatalogProduct{}, c.err
	}
	product, ok := c.products[productID]
	if !ok {
		return domain.CatalogProduct{}, fmt.Errorf("%w: product %s", payments.ErrNotFound, productID)
	}
	return product, nil
}

func (c *fakeCatalog) Price(_ context.Context, priceID string) (domain.CatalogPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return domain.CatalogPrice{}, c.err
	}
	price, ok := c.prices[priceID]
	if !ok {
		return domain.CatalogPrice{}, fmt.Errorf("%w: price %s", payments.ErrNotFound, priceID)
	}
	return price, nil
}

func bookProduct(id string, pages int, hardcover, color bool) (domain.CatalogProduct, domain.CatalogPrice) {
	product := domain.CatalogProduct{
		ID:     "prod_" + id,
		Name:   "Book " + id,
		Active: true,
		Metadata: map[string]string{
			"store_category": "books",
			"library":        "lib",
			"cover_id":       id,
		},
	}
	price := domain.CatalogPrice{
		ID:         "price_" + id,
		ProductID:  product.ID,
		Currency:   "usd",
		UnitAmount: 1999,
		Metadata: map[string]string{
			"page_count": strconv.Itoa(pages),
			"hardcover":  strconv.FormatBool(hardcover),
			"color":      strconv.FormatBool(color),
		},
	}
	return product, price
}

func shippingProduct(id, level string) (domain.CatalogProduct, domain.CatalogPrice) {
	product := domain.CatalogProduct{
		ID:       "prod_" + id,
		Name:     "Shipping " + level,
		Active:   true,
		Metadata: map[string]string{"is_shipping": "true", "shipping_level": level},
	}
	return product, domain.CatalogPrice{ID: "price_" + id, ProductID: product.ID, Currency: "usd", UnitAmount: 499}
}

func digitalProduct(id string, option domain.DeliveryOption) (domain.CatalogProduct, domain.CatalogPrice) {
	product := domain.CatalogProduct{
		ID:       "prod_" + id,
		Name:     "Licence " + id,
		Active:   true,
		Metadata: map[string]string{"digital": "true"},
	}
	price := domain.CatalogPrice{
		ID:        "price_" + id,
		ProductID: product.ID,
		Currency:  "usd",
		Metadata:  map[string]string{"digital_delivery_option": string(option)},
	}
	return product, price
}

func lineFor(price domain.CatalogPrice, quantity int64) domain.CheckoutLineItem {
	return domain.CheckoutLineItem{ProductID: price.ProductID, PriceID: price.ID, Quantity: quantity}
}

func testAddress() *domain.ShippingAddress {
	return &domain.ShippingAddress{
		Name:        "Ada Reader",
		Street1:     "1 Main St",
		City:        "Springfield",
		StateCode:   "IL",
		PostalCode:  "62701",
		CountryCode: "US",
		PhoneNumber: "+15555550100",
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.CheckoutSession
	err      error
}

func (s *fakeSessions) put(session domain.CheckoutSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = map[string]domain.CheckoutSession{}
	}
	s.sessions[session.ID] = session
}

func (s *fakeSessions) CheckoutSession(_ context.Context, sessionID string) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.CheckoutSession{}, s.err
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.CheckoutSession{}, fmt.Errorf("%w: session %s", payments.ErrNotFound, sessionID)
	}
	return session, nil
}

type fakePrintProvider struct {
	mu       sync.Mutex
	requests []domain.PrintJobRequest
	err      error
	next     int
}

func (p *fakePrintProvider) CreatePrintJob(_ context.Context, req domain.PrintJobRequest) (domain.PrintJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return domain.PrintJob{}, p.err
	}
	p.next++
	return domain.PrintJob{
		ID:         "job-" + strconv.Itoa(p.next),
		ExternalID: req.ExternalID,
		Status:     domain.PrintJobState{Name: domain.PrintJobStatusCreated},
	}, nil
}

func (p *fakePrintProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeQuoter struct {
	quotes []domain.ShippingQuote
	err    error
	calls  int
	last   domain.ShippingQuoteRequest
}

func (q *fakeQuoter) ShippingQuotes(_ context.Context, req domain.ShippingQuoteRequest) ([]domain.ShippingQuote, error) {
	q.calls++
	q.last = req
	return q.quotes, q.err
}

type fakeIdentity struct {
	mu        sync.Mutex
	codes     []identity.AccessCodeRequest
	grants    []identity.LicenseGrantRequest
	failPrice string
}

func (f *fakeIdentity) SendAccessCode(_ context.Context, req identity.AccessCodeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.PriceID == f.failPrice {
		return identity.ErrUnavailable
	}
	f.codes = append(f.codes, req)
	return nil
}

func (f *fakeIdentity) GrantLicense(_ context.Context, req identity.LicenseGrantRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.PriceID == f.failPrice {
		return identity.ErrRejected
	}
	f.grants = append(f.grants, req)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifications.Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, notification notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) kinds() []notifications.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]notifications.Kind, 0, len(n.sent))
	for _, sent := range n.sent {
		kinds = append(kinds, sent.Kind)
	}
	return kinds
}

type recordingQueue struct {
	mu       sync.Mutex
	messages []jobs.Message
	err      error
}

func (q *recordingQueue) Publish(_ context.Context, msg jobs.Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.messages = append(q.messages, msg)
	return "msg-" + strconv.Itoa(len(q.messages)), nil
}

func (q *recordingQueue) drain() []jobs.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	messages := q.messages
	q.messages = nil
	return messages
}

type countingMetrics struct {
	mu       sync.Mutex
	received map[string]int
	stages   map[string]int
	requeued int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{received: map[string]int{}, stages: map[string]int{}}
}

func (m *countingMetrics) OrderReceived(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[result]++
}

func (m *countingMetrics) StageCompleted(stage, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage+":"+outcome]++
}

func (m *countingMetrics) OrdersRequeued(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued += n
}

type harness struct {
	now         time.Time
	orders      *memory.OrderRepository
	catalog     *fakeCatalog
	sessions    *fakeSessions
	provider    *fakePrintProvider
	identity    *fakeIdentity
	notifier    *fakeNotifier
	queue       *recordingQueue
	metrics     *countingMetrics
	classifier  LineItemClassifier
	printJobs   PrintJobService
	digital     DigitalDeliveryService
	status      StatusUpdateService
	fulfillment FulfillmentService
	admin       OrderAdminService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		catalog:  newFakeCatalog(),
		sessions: &fakeSessions{},
		provider: &fakePrintProvider{},
		identity: &fakeIdentity{},
		notifier: &fakeNotifier{},
		queue:    &recordingQueue{},
		metrics:  newCountingMetrics(),
	}
	clock := func() time.Time { return h.now }
	h.orders = memory.NewOrderRepository(clock)

	packages, err := printing.NewPackageTable(map[string]string{
		"paperback_bw":    "0600X0900BWSTDPB060UW444MXX",
		"hardcover_bw":    "0600X0900BWSTDCW060UW444MXX",
		"paperback_color": "0600X0900FCSTDPB060UW444MXX",
		"hardcover_color": "0600X0900FCSTDCW060UW444MXX",
	})
	if err != nil {
		t.Fatalf("NewPackageTable: %v", err)
	}
	sources, err := printing.NewTemplateSources("https://files.example.com")
	if err != nil {
		t.Fatalf("NewTemplateSources: %v", err)
	}

	h.classifier, err = NewLineItemClassifier(LineItemClassifierDeps{Catalog: h.catalog})
	if err != nil {
		t.Fatalf("NewLineItemClassifier: %v", err)
	}
	h.printJobs, err = NewPrintJobService(PrintJobServiceDeps{
		Orders:     h.orders,
		Sessions:   h.sessions,
		Classifier: h.classifier,
		Provider:   h.provider,
		Packages:   packages,
		Sources:    sources,
		Clock:      clock,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("NewPrintJobService: %v", err)
	}
	h.digital, err = NewDigitalDeliveryService(DigitalDeliveryServiceDeps{Identity: h.identity})
	if err != nil {
		t.Fatalf("NewDigitalDeliveryService: %v", err)
	}
	h.status, err = NewStatusUpdateService(StatusUpdateServiceDeps{Orders: h.orders, Notifier: h.notifier, Clock: clock})
	if err != nil {
		t.Fatalf("NewStatusUpdateService: %v", err)
	}
	h.fulfillment, err = NewFulfillmentService(FulfillmentServiceDeps{
		Orders:     h.orders,
		Sessions:   h.sessions,
		Classifier: h.classifier,
		Print:      h.printJobs,
		Digital:    h.digital,
		Notifier:   h.notifier,
		Queue:      h.queue,
		Clock:      clock,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	h.admin, err = NewOrderAdminService(OrderAdminServiceDeps{
		Orders:      h.orders,
		Sessions:    h.sessions,
		Print:       h.printJobs,
		Fulfillment: h.fulfillment,
	})
	if err != nil {
		t.Fatalf("NewOrderAdminService: %v", err)
	}
	return h
}

// checkout registers a paid session and returns its event.
func (h *harness) checkout(id string, lines ...domain.CheckoutLineItem) domain.CheckoutEvent {
	session := domain.CheckoutSession{
		ID:              id,
		PaymentStatus:   payments.PaymentStatusPaid,
		CustomerEmail:   "a@example.com",
		CustomerName:    "Ada Reader",
		Currency:        "usd",
		ShippingAddress: testAddress(),
		LineItems:       lines,
		CreatedAt:       h.now,
	}
	h.sessions.put(session)
	return domain.CheckoutEvent{ID: "evt_" + id, Type: payments.EventCheckoutCompleted, Session: session}
}

// process drains the dispatch queue synchronously.
func (h *harness) process(t *testing.T) {
	t.Helper()
	for _, msg := range h.queue.drain() {
		if err := h.fulfillment.HandleDispatchMessage(context.Background(), msg.Data); err != nil {
			t.Fatalf("HandleDispatchMessage: %v", err)
		}
	}
}

func (h *harness) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := h.orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return order
}

func shippedCallback(orderID, jobID string, tracking ...string) PrintJobCallback {
	job := domain.PrintJob{
		ID:         jobID,
		ExternalID: orderID,
		Status:     domain.PrintJobState{Name: domain.PrintJobStatusShipped, Message: "shipped"},
	}
	for _, id := range tracking {
		job.LineItems = append(job.LineItems, domain.PrintJobTracking{TrackingID: id, TrackingURLs: []string{"https://track.example.com/" + id}})
	}
	return PrintJobCallback{Topic: domain.PrintJobStatusChangedTopic, Job: job, Payload: `{"status":"SHIPPED"}`}
}

func statusCallback(orderID, jobID, status string) PrintJobCallback {
	return PrintJobCallback{
		Topic:   domain.PrintJobStatusChangedTopic,
		Job:     domain.PrintJob{ID: jobID, ExternalID: orderID, Status: domain.PrintJobState{Name: status}},
		Payload: `{"status":"` + status + `"}`,
	}
}
