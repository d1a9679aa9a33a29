package services

import (
	"context"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/identity"
	"github.com/hanko-field/fulfillment/internal/notifications"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order            = domain.Order
	OrderStatus      = domain.OrderStatus
	OrderUpdate      = domain.OrderUpdate
	OrderListFilter  = domain.OrderListFilter
	CheckoutSession  = domain.CheckoutSession
	CheckoutEvent    = domain.CheckoutEvent
	ResolvedLineItem = domain.ResolvedLineItem
	ClassifiedCart   = domain.ClassifiedCart
	BookPriceOption  = domain.BookPriceOption
	PrintJob         = domain.PrintJob
	ShippingOptions  = domain.ShippingOptions
	HealthReport     = domain.HealthReport
)

// Logger receives structured diagnostic events; main adapts it onto zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// PricingCalculator prices printed books.
type PricingCalculator interface {
	Price(pageCount int) ([]BookPriceOption, error)
}

// LineItemClassifier resolves checkout line items against the catalog and buckets them.
type LineItemClassifier interface {
	Resolve(ctx context.Context, session CheckoutSession) ([]ResolvedLineItem, error)
	Classify(items []ResolvedLineItem) (ClassifiedCart, error)
}

// ShippingResolver ranks the print provider's shipping quotes for a storefront cart.
type ShippingResolver interface {
	Resolve(ctx context.Context, query ShippingQuery) (ShippingOptions, error)
}

// PrintJobService creates print jobs for the book part of an order.
type PrintJobService interface {
	Submit(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) (PrintJob, error)
	Resubmit(ctx context.Context, orderID string) (Order, error)
}

// DigitalDeliveryService grants the digital part of an order.
type DigitalDeliveryService interface {
	Deliver(ctx context.Context, req DigitalDeliveryRequest) (DigitalDeliveryResult, error)
}

// StatusUpdateService applies print provider callbacks to orders.
type StatusUpdateService interface {
	HandlePrintJobStatus(ctx context.Context, callback PrintJobCallback) (StatusUpdateResult, error)
}

// FulfillmentService owns intake, dispatch and reconciliation of orders.
type FulfillmentService interface {
	HandleCheckoutEvent(ctx context.Context, event CheckoutEvent) (IntakeResult, error)
	Fulfill(ctx context.Context, orderID string) error
	HandleDispatchMessage(ctx context.Context, data []byte) error
	Redispatch(ctx context.Context, orderID string) (Order, error)
	Reconcile(ctx context.Context) (int, error)
}

// OrderAdminService backs the staff console.
type OrderAdminService interface {
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, orderID string) (OrderDetail, error)
	ResubmitPrintJob(ctx context.Context, orderID string) (Order, error)
	Redispatch(ctx context.Context, orderID string) (Order, error)
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// PrintProvider is the subset of the print client the services call.
type PrintProvider interface {
	CreatePrintJob(ctx context.Context, req domain.PrintJobRequest) (domain.PrintJob, error)
}

// ShippingQuoter asks the print provider for shipping quotes.
type ShippingQuoter interface {
	ShippingQuotes(ctx context.Context, req domain.ShippingQuoteRequest) ([]domain.ShippingQuote, error)
}

// PackageSelector maps binding and ink to a provider package id.
type PackageSelector interface {
	Select(hardcover, color bool) (string, error)
}

// SourceBuilder resolves manufacturing files for a book.
type SourceBuilder interface {
	Source(ctx context.Context, library, coverID string) (cover, interior string, err error)
}

// IdentityProvider mints access codes and grants licences.
type IdentityProvider interface {
	SendAccessCode(ctx context.Context, req identity.AccessCodeRequest) error
	GrantLicense(ctx context.Context, req identity.LicenseGrantRequest) error
}

// AccountResolver maps a checkout to an identity account.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, accountID, email string) (string, error)
}

// Notifier sends one customer email.
type Notifier interface {
	Notify(ctx context.Context, n notifications.Notification) error
}

// SessionSource re-reads the immutable checkout session an order came from.
type SessionSource interface {
	CheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
}

// Catalog reads products and prices.
type Catalog interface {
	Product(ctx context.Context, productID string) (domain.CatalogProduct, error)
	Price(ctx context.Context, priceID string) (domain.CatalogPrice, error)
}

// FulfillmentMetrics receives fulfillment counters; *metrics.Registry implements it.
type FulfillmentMetrics interface {
	OrderReceived(result string)
	StageCompleted(stage, outcome string)
	OrdersRequeued(n int)
}

type nopMetrics struct{}

func (nopMetrics) OrderReceived(string)          {}
func (nopMetrics) StageCompleted(string, string) {}
func (nopMetrics) OrdersRequeued(int)            {}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
