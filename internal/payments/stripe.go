package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/textutil"
)

// Session metadata keys written by the storefront at checkout.
const (
	sessionMetadataAccountID  = "account_id"
	sessionMetadataIsBusiness = "is_business"
)

type stripeSessionAPI interface {
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeProductAPI interface {
	Get(id string, params *stripe.ProductParams) (*stripe.Product, error)
}

type stripePriceAPI interface {
	Get(id string, params *stripe.PriceParams) (*stripe.Price, error)
}

type lineItemLister func(ctx context.Context, sessionID string) ([]*stripe.LineItem, error)

type stripeClients struct {
	sessions  stripeSessionAPI
	products  stripeProductAPI
	prices    stripePriceAPI
	lineItems lineItemLister
}

// StripeConfig configures the StripeProvider.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Tolerance     time.Duration
	Backends      *stripe.Backends
	Logger        Logger
	Observe       func(provider, operation string, err error, elapsed time.Duration)
	Clients       *stripeClients
}

// StripeProvider implements EventVerifier, SessionSource and Catalog on Stripe.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	tolerance     time.Duration
	logger        Logger
	observe       func(provider, operation string, err error, elapsed time.Duration)
}

var (
	_ EventVerifier = (*StripeProvider)(nil)
	_ SessionSource = (*StripeProvider)(nil)
	_ Catalog       = (*StripeProvider)(nil)
)

// NewStripeProvider constructs a provider from an API key or injected clients.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:  sc.CheckoutSessions,
			products:  sc.Products,
			prices:    sc.Prices,
			lineItems: listLineItems(sc),
		}
	}
	if clients.sessions == nil || clients.products == nil || clients.prices == nil || clients.lineItems == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string, string, error, time.Duration) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		tolerance:     tolerance,
		logger:        logger,
		observe:       observe,
	}, nil
}

func listLineItems(sc *client.API) lineItemLister {
	return func(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
		params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
		params.Context = ctx
		params.AddExpand("data.price.product")
		iter := sc.CheckoutSessions.ListLineItems(params)
		var items []*stripe.LineItem
		for iter.Next() {
			items = append(items, iter.LineItem())
		}
		return items, iter.Err()
	}
}

// VerifyEvent checks the Stripe-Signature header and decodes paid checkout
// sessions. Other event types and unpaid sessions return ErrIgnoredEvent.
func (p *StripeProvider) VerifyEvent(payload []byte, signatureHeader string) (domain.CheckoutEvent, error) {
	if p.webhookSecret == "" {
		return domain.CheckoutEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.CheckoutEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch string(event.Type) {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentPassed:
	default:
		return domain.CheckoutEvent{ID: event.ID, Type: string(event.Type)}, ErrIgnoredEvent
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.CheckoutEvent{}, fmt.Errorf("%w: missing data object", ErrMalformedEvent)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.CheckoutEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(session.ID) == "" {
		return domain.CheckoutEvent{}, fmt.Errorf("%w: session id missing", ErrMalformedEvent)
	}

	checkout := domain.CheckoutEvent{ID: event.ID, Type: string(event.Type), Session: convertSession(&session)}
	if !isPaid(session.PaymentStatus) {
		return checkout, ErrIgnoredEvent
	}
	return checkout, nil
}

func isPaid(status stripe.CheckoutSessionPaymentStatus) bool {
	return status == stripe.CheckoutSessionPaymentStatusPaid || status == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}

// CheckoutSession fetches the session and all of its line items.
func (p *StripeProvider) CheckoutSession(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	started := time.Now()
	session, err := p.api.sessions.Get(sessionID, params)
	p.observe("stripe", "checkout_session.get", err, time.Since(started))
	if err != nil {
		return domain.CheckoutSession{}, mapStripeError("get checkout session", err)
	}

	started = time.Now()
	items, err := p.api.lineItems(ctx, sessionID)
	p.observe("stripe", "checkout_session.line_items", err, time.Since(started))
	if err != nil {
		return domain.CheckoutSession{}, mapStripeError("list line items", err)
	}

	result := convertSession(session)
	result.LineItems = convertLineItems(items)
	p.logger(ctx, "payments.stripe.session.loaded", map[string]any{
		"sessionId": sessionID,
		"lineItems": len(result.LineItems),
	})
	return result, nil
}

// Product fetches one catalog product.
func (p *StripeProvider) Product(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	params := &stripe.ProductParams{}
	params.Context = ctx
	started := time.Now()
	product, err := p.api.products.Get(productID, params)
	p.observe("stripe", "product.get", err, time.Since(started))
	if err != nil {
		return domain.CatalogProduct{}, mapStripeError("get product", err)
	}
	if product.Deleted {
		return domain.CatalogProduct{}, fmt.Errorf("%w: product %s deleted", ErrNotFound, productID)
	}
	return domain.CatalogProduct{
		ID:       product.ID,
		Name:     product.Name,
		Active:   product.Active,
		Metadata: textutil.NormalizeMetadata(product.Metadata),
	}, nil
}

// Price fetches one catalog price.
func (p *StripeProvider) Price(ctx context.Context, priceID string) (domain.CatalogPrice, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	started := time.Now()
	price, err := p.api.prices.Get(priceID, params)
	p.observe("stripe", "price.get", err, time.Since(started))
	if err != nil {
		return domain.CatalogPrice{}, mapStripeError("get price", err)
	}
	result := domain.CatalogPrice{
		ID:         price.ID,
		Currency:   strings.ToUpper(string(price.Currency)),
		UnitAmount: price.UnitAmount,
		Metadata:   textutil.NormalizeMetadata(price.Metadata),
	}
	if price.Product != nil {
		result.ProductID = price.Product.ID
	}
	return result, nil
}

func convertSession(session *stripe.CheckoutSession) domain.CheckoutSession {
	result := domain.CheckoutSession{
		ID:            session.ID,
		PaymentStatus: string(session.PaymentStatus),
		CustomerEmail: strings.TrimSpace(session.CustomerEmail),
		Currency:      strings.ToUpper(string(session.Currency)),
		AmountTotal:   session.AmountTotal,
		Metadata:      textutil.NormalizeMetadata(session.Metadata),
		AccountID:     strings.TrimSpace(session.ClientReferenceID),
	}
	if session.Created > 0 {
		result.CreatedAt = time.Unix(session.Created, 0).UTC()
	}
	if details := session.CustomerDetails; details != nil {
		if email := strings.TrimSpace(details.Email); email != "" {
			result.CustomerEmail = email
		}
		result.CustomerName = strings.TrimSpace(details.Name)
	}
	if result.AccountID == "" {
		result.AccountID = result.Metadata[sessionMetadataAccountID]
	}
	if shipping := session.ShippingDetails; shipping != nil && shipping.Address != nil {
		name := strings.TrimSpace(shipping.Name)
		if name == "" {
			name = result.CustomerName
		}
		result.ShippingAddress = &domain.ShippingAddress{
			Name:        name,
			Street1:     shipping.Address.Line1,
			Street2:     shipping.Address.Line2,
			City:        shipping.Address.City,
			StateCode:   shipping.Address.State,
			PostalCode:  shipping.Address.PostalCode,
			CountryCode: strings.ToUpper(shipping.Address.Country),
			PhoneNumber: strings.TrimSpace(shipping.Phone),
			Email:       result.CustomerEmail,
			IsBusiness:  textutil.Truthy(result.Metadata[sessionMetadataIsBusiness]),
		}
		if result.ShippingAddress.PhoneNumber == "" && session.CustomerDetails != nil {
			result.ShippingAddress.PhoneNumber = strings.TrimSpace(session.CustomerDetails.Phone)
		}
	}
	if session.LineItems != nil {
		result.LineItems = convertLineItems(session.LineItems.Data)
	}
	return result
}

func convertLineItems(items []*stripe.LineItem) []domain.CheckoutLineItem {
	result := make([]domain.CheckoutLineItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		line := domain.CheckoutLineItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			AmountTotal: item.AmountTotal,
		}
		if item.Price != nil {
			line.PriceID = item.Price.ID
			if item.Price.Product != nil {
				line.ProductID = item.Price.Product.ID
			}
		}
		result = append(result, line)
	}
	return result
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) &&
		(stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
		return fmt.Errorf("%w: stripe: %s: %v", ErrNotFound, op, err)
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}
