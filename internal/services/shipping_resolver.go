package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/cache"
	"github.com/hanko-field/fulfillment/internal/printing"
)

// ShippingQuery is a storefront cart and destination to quote.
type ShippingQuery struct {
	Items          []domain.CartItem
	Address        domain.ShippingAddress
	Currency       string
	ShippingOption string
}

// ShippingResolverDeps bundles collaborators required to construct a resolver.
type ShippingResolverDeps struct {
	Quoter   ShippingQuoter
	Packages PackageSelector
	Cache    cache.Cache
	CacheTTL time.Duration
	Currency string
	Logger   Logger
}

type shippingResolver struct {
	quoter   ShippingQuoter
	packages PackageSelector
	cache    cache.Cache
	ttl      time.Duration
	currency string
	logger   Logger
}

var _ ShippingResolver = (*shippingResolver)(nil)

// NewShippingResolver constructs a resolver. Cache is optional.
func NewShippingResolver(deps ShippingResolverDeps) (ShippingResolver, error) {
	if deps.Quoter == nil {
		return nil, errors.New("shipping resolver: quoter is required")
	}
	if deps.Packages == nil {
		return nil, errors.New("shipping resolver: package selector is required")
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &shippingResolver{
		quoter:   deps.Quoter,
		packages: deps.Packages,
		cache:    deps.Cache,
		ttl:      ttl,
		currency: currency,
		logger:   logger,
	}, nil
}

func (r *shippingResolver) Resolve(ctx context.Context, query ShippingQuery) (ShippingOptions, error) {
	if len(query.Items) == 0 {
		return ShippingOptions{}, fmt.Errorf("%w: cart is empty", ErrInvalidInput)
	}
	digitalOnly, err := isDigitalOnly(query)
	if err != nil {
		return ShippingOptions{}, err
	}
	if digitalOnly {
		return ShippingOptions{DigitalOnly: true}, nil
	}

	req, err := r.quoteRequest(query)
	if err != nil {
		return ShippingOptions{}, err
	}
	key := quoteCacheKey(req)
	if r.cache != nil {
		var cached ShippingOptions
		hit, err := cache.GetJSON(ctx, r.cache, key, &cached)
		if err != nil {
			r.logger(ctx, "shipping.cache_read_failed", map[string]any{"error": err.Error()})
		}
		if hit {
			return cached, nil
		}
	}

	quotes, err := r.quoter.ShippingQuotes(ctx, req)
	if err != nil {
		return ShippingOptions{}, fmt.Errorf("shipping resolver: quote: %w", err)
	}
	result := ShippingOptions{Options: rankQuotes(quotes, query.Address.IsBusiness, req.Currency)}

	if r.cache != nil {
		if err := cache.SetJSON(ctx, r.cache, key, result, r.ttl); err != nil {
			r.logger(ctx, "shipping.cache_write_failed", map[string]any{"error": err.Error()})
		}
	}
	return result, nil
}

// isDigitalOnly reports whether the cart needs no quote. The digital-only
// option is refused for carts holding anything physical.
func isDigitalOnly(query ShippingQuery) (bool, error) {
	physical := false
	for _, item := range query.Items {
		if !item.Digital {
			physical = true
			break
		}
	}
	if strings.EqualFold(strings.TrimSpace(query.ShippingOption), domain.DigitalOnlyShippingKey) && physical {
		return false, fmt.Errorf("%w: %s cannot ship a cart with physical items", ErrInvalidInput, domain.DigitalOnlyShippingKey)
	}
	return !physical, nil
}

func (r *shippingResolver) quoteRequest(query ShippingQuery) (domain.ShippingQuoteRequest, error) {
	if strings.TrimSpace(query.Address.CountryCode) == "" {
		return domain.ShippingQuoteRequest{}, fmt.Errorf("%w: destination country is required", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(query.Currency))
	if currency == "" {
		currency = r.currency
	}
	req := domain.ShippingQuoteRequest{Currency: currency, Address: query.Address}
	for _, item := range query.Items {
		if item.Digital {
			continue
		}
		if item.PageCount <= 0 {
			return domain.ShippingQuoteRequest{}, fmt.Errorf("%w: page count must be positive", ErrInvalidInput)
		}
		pkg, err := r.packages.Select(item.Hardcover, item.Color)
		if err != nil {
			return domain.ShippingQuoteRequest{}, fmt.Errorf("shipping resolver: %w", err)
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		req.Items = append(req.Items, domain.ShippingQuoteItem{PageCount: item.PageCount, PodPackageID: pkg, Quantity: quantity})
	}
	return req, nil
}

// rankQuotes drops quotes that don't apply to the destination or have no usable
// cost, then sorts by cost and minimum transit days.
func rankQuotes(quotes []domain.ShippingQuote, business bool, currency string) []domain.ShippingOption {
	options := make([]domain.ShippingOption, 0, len(quotes))
	for _, quote := range quotes {
		if quote.BusinessOnly && !business {
			continue
		}
		if quote.HomeOnly && business {
			continue
		}
		cents, ok := printing.ParseCost(quote.Cost)
		if !ok {
			continue
		}
		quoteCurrency := strings.ToUpper(strings.TrimSpace(quote.Currency))
		if quoteCurrency == "" {
			quoteCurrency = currency
		}
		options = append(options, domain.ShippingOption{
			Level:          strings.ToUpper(strings.TrimSpace(quote.Level)),
			CostCents:      cents,
			Currency:       quoteCurrency,
			MinTransitDays: quote.MinTransitDays,
			MaxTransitDays: quote.MaxTransitDays,
		})
	}
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].CostCents != options[j].CostCents {
			return options[i].CostCents < options[j].CostCents
		}
		return options[i].MinTransitDays < options[j].MinTransitDays
	})
	return options
}

func quoteCacheKey(req domain.ShippingQuoteRequest) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return "shipping-quotes:" + hex.EncodeToString(sum[:])
}
