// Package payments reads finalized checkout data and catalog objects from the
// payment provider.
package payments

import (
	"context"
	"errors"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// Checkout event types that carry a paid session.
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutAsyncPaymentPassed = "checkout.session.async_payment_succeeded"

	PaymentStatusPaid = "paid"
)

var (
	// ErrInvalidSignature is returned when the event signature does not verify.
	ErrInvalidSignature = errors.New("payments: invalid event signature")
	// ErrMalformedEvent is returned when a verified event cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed event")
	// ErrIgnoredEvent marks verified events that need no fulfillment.
	ErrIgnoredEvent = errors.New("payments: event not actionable")
	// ErrNotFound is returned when a session, product or price no longer exists.
	ErrNotFound = errors.New("payments: not found")
)

// Logger receives structured diagnostic events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// EventVerifier authenticates and decodes payment webhooks.
type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (domain.CheckoutEvent, error)
}

// SessionSource re-reads a finalized checkout session including its line items.
type SessionSource interface {
	CheckoutSession(ctx context.Context, sessionID string) (domain.CheckoutSession, error)
}

// Catalog resolves products and prices by id.
type Catalog interface {
	Product(ctx context.Context, productID string) (domain.CatalogProduct, error)
	Price(ctx context.Context, priceID string) (domain.CatalogPrice, error)
}
