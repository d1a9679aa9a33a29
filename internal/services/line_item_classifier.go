package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/textutil"
)

const defaultMaxLineItems = 100

// LineItemClassifierDeps bundles collaborators required to construct a classifier.
type LineItemClassifierDeps struct {
	Catalog      Catalog
	MaxLineItems int
}

type lineItemClassifier struct {
	catalog      Catalog
	maxLineItems int
}

var _ LineItemClassifier = (*lineItemClassifier)(nil)

// NewLineItemClassifier constructs a classifier backed by the product catalog.
func NewLineItemClassifier(deps LineItemClassifierDeps) (LineItemClassifier, error) {
	if deps.Catalog == nil {
		return nil, errors.New("line item classifier: catalog is required")
	}
	limit := deps.MaxLineItems
	if limit <= 0 {
		limit = defaultMaxLineItems
	}
	return &lineItemClassifier{catalog: deps.Catalog, maxLineItems: limit}, nil
}

// Resolve joins every checkout line item with its product and price and derives
// its kind. Any invalid item fails the whole cart.
func (c *lineItemClassifier) Resolve(ctx context.Context, session CheckoutSession) ([]ResolvedLineItem, error) {
	if len(session.LineItems) == 0 {
		return nil, classificationError(CodeNoLineItems, "session %s has no line items", session.ID)
	}
	if len(session.LineItems) > c.maxLineItems {
		return nil, classificationError(CodeTooManyLineItems, "session %s has %d line items, limit %d", session.ID, len(session.LineItems), c.maxLineItems)
	}

	items := make([]ResolvedLineItem, 0, len(session.LineItems))
	for i, line := range session.LineItems {
		item, err := c.resolve(ctx, i, line)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *lineItemClassifier) resolve(ctx context.Context, index int, line domain.CheckoutLineItem) (ResolvedLineItem, error) {
	productID := strings.TrimSpace(line.ProductID)
	priceID := strings.TrimSpace(line.PriceID)
	if priceID == "" {
		return ResolvedLineItem{}, classificationError(CodeInvalidLineItemPrice, "line item %d has no price", index)
	}
	if productID == "" {
		return ResolvedLineItem{}, classificationError(CodeInvalidLineItemProduct, "line item %d has no product", index)
	}
	if line.Quantity <= 0 {
		return ResolvedLineItem{}, classificationError(CodeInvalidLineItem, "line item %d has quantity %d", index, line.Quantity)
	}

	price, err := c.catalog.Price(ctx, priceID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return ResolvedLineItem{}, classificationError(CodeInvalidLineItemPrice, "price %s: %w", priceID, err)
		}
		return ResolvedLineItem{}, fmt.Errorf("line item classifier: load price %s: %w", priceID, err)
	}
	product, err := c.catalog.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return ResolvedLineItem{}, classificationError(CodeInvalidLineItemProduct, "product %s: %w", productID, err)
		}
		return ResolvedLineItem{}, fmt.Errorf("line item classifier: load product %s: %w", productID, err)
	}
	if price.ProductID != product.ID {
		return ResolvedLineItem{}, classificationError(CodeLineItemProductMismatch, "price %s belongs to product %q, line item references %q", priceID, price.ProductID, product.ID)
	}

	title := strings.TrimSpace(product.Name)
	if title == "" {
		title = strings.TrimSpace(line.Description)
	}
	item := ResolvedLineItem{
		ProductID:       product.ID,
		PriceID:         price.ID,
		PriceProductID:  price.ProductID,
		Title:           title,
		Quantity:        line.Quantity,
		ProductMetadata: textutil.NormalizeMetadata(product.Metadata),
		PriceMetadata:   textutil.NormalizeMetadata(price.Metadata),
	}
	kind, err := deriveKind(item)
	if err != nil {
		return ResolvedLineItem{}, err
	}
	item.Kind = kind
	return item, nil
}

// deriveKind applies the category rules in order: shipping, books, digital.
func deriveKind(item ResolvedLineItem) (domain.LineItemKind, error) {
	meta := item.ProductMetadata
	switch {
	case textutil.Truthy(meta[domain.MetadataIsShipping]):
		level := strings.ToUpper(attribute(item, domain.MetadataShippingLevel))
		return domain.ShippingKind{Level: level}, nil
	case strings.EqualFold(meta[domain.MetadataStoreCategory], domain.StoreCategoryBooks):
		pages, ok := textutil.PositiveInt(attribute(item, domain.MetadataPageCount))
		if !ok {
			return nil, classificationError(CodeInvalidLineItem, "book %s has no valid page count", item.PriceID)
		}
		library := attribute(item, domain.MetadataLibrary)
		coverID := attribute(item, domain.MetadataCoverID)
		if library == "" || coverID == "" {
			return nil, classificationError(CodeInvalidLineItemProduct, "book %s is missing library or cover id", item.ProductID)
		}
		return domain.BookKind{
			Pages:     pages,
			Hardcover: textutil.Truthy(attribute(item, domain.MetadataHardcover)),
			Color:     textutil.Truthy(attribute(item, domain.MetadataColor)),
			Library:   library,
			CoverID:   coverID,
		}, nil
	case textutil.Truthy(meta[domain.MetadataDigital]):
		option := domain.DeliveryOption(strings.ToLower(attribute(item, domain.MetadataDigitalDeliveryOption)))
		if !option.Valid() {
			return nil, classificationError(CodeInvalidDigitalDeliveryOption, "price %s has delivery option %q", item.PriceID, option)
		}
		return domain.DigitalKind{DeliveryOption: option}, nil
	default:
		return nil, nil
	}
}

// attribute prefers the price metadata, where physical attributes live, and
// falls back to the product.
func attribute(item ResolvedLineItem, key string) string {
	if value := item.PriceMetadata[key]; value != "" {
		return value
	}
	return item.ProductMetadata[key]
}

// Classify buckets resolved items by kind.
func (c *lineItemClassifier) Classify(items []ResolvedLineItem) (ClassifiedCart, error) {
	var cart ClassifiedCart
	for _, item := range items {
		if item.PriceProductID != "" && item.PriceProductID != item.ProductID {
			return ClassifiedCart{}, classificationError(CodeLineItemProductMismatch, "price %s does not belong to product %s", item.PriceID, item.ProductID)
		}
		switch kind := item.Kind.(type) {
		case domain.ShippingKind:
			if cart.Shipping != nil {
				return ClassifiedCart{}, classificationError(CodeInvalidLineItem, "more than one shipping line item (%s, %s)", cart.Shipping.Item.PriceID, item.PriceID)
			}
			cart.Shipping = &domain.ShippingLine{Item: item, Shipping: kind}
		case domain.BookKind:
			cart.Books = append(cart.Books, domain.BookLine{Item: item, Book: kind})
		case domain.DigitalKind:
			cart.Digital = append(cart.Digital, domain.DigitalLine{Item: item, Digital: kind})
		default:
			cart.Ignored = append(cart.Ignored, item)
		}
	}
	return cart, nil
}

// checkPreconditions rejects carts physical fulfillment cannot start from.
func checkPreconditions(session CheckoutSession, cart ClassifiedCart) error {
	if !cart.HasPhysical() {
		return nil
	}
	if cart.Shipping == nil {
		return classificationError(CodeMissingShippingItem, "order %s has %d books and no shipping line item", session.ID, len(cart.Books))
	}
	if session.ShippingAddress == nil || strings.TrimSpace(session.ShippingAddress.Street1) == "" || strings.TrimSpace(session.ShippingAddress.CountryCode) == "" {
		return classificationError(CodeMissingShippingAddress, "order %s has books and no shipping address", session.ID)
	}
	return nil
}
