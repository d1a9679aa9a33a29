package services

import (
	"context"
	"errors"
	"testing"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/cache"
	"github.com/hanko-field/fulfillment/internal/printing"
)

func newTestResolver(t *testing.T, quoter *fakeQuoter, store cache.Cache) ShippingResolver {
	t.Helper()
	packages, err := printing.NewPackageTable(map[string]string{
		"paperback_bw": "PB-BW", "hardcover_bw": "HC-BW", "paperback_color": "PB-FC", "hardcover_color": "HC-FC",
	})
	if err != nil {
		t.Fatalf("NewPackageTable: %v", err)
	}
	resolver, err := NewShippingResolver(ShippingResolverDeps{Quoter: quoter, Packages: packages, Cache: store})
	if err != nil {
		t.Fatalf("NewShippingResolver: %v", err)
	}
	return resolver
}

func TestShippingResolverRanksAndFilters(t *testing.T) {
	quoter := &fakeQuoter{quotes: []domain.ShippingQuote{
		{Level: "express", Cost: "19.99", MinTransitDays: 1, MaxTransitDays: 2},
		{Level: "ground", Cost: "7.50", MinTransitDays: 5, MaxTransitDays: 8},
		{Level: "priority", Cost: "7.50", MinTransitDays: 3, MaxTransitDays: 4},
		{Level: "business", Cost: "3.00", BusinessOnly: true},
		{Level: "broken", Cost: ""},
		{Level: "mail", Cost: "4.99", MinTransitDays: 7, MaxTransitDays: 14, HomeOnly: true},
	}}
	resolver := newTestResolver(t, quoter, nil)

	result, err := resolver.Resolve(context.Background(), ShippingQuery{
		Items:   []domain.CartItem{{PageCount: 120, Quantity: 2}, {PageCount: 300, Hardcover: true, Color: true}, {Digital: true}},
		Address: domain.ShippingAddress{CountryCode: "US", PostalCode: "62701"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.DigitalOnly {
		t.Fatal("physical cart must not be digital-only")
	}
	var levels []string
	for _, option := range result.Options {
		levels = append(levels, option.Level)
	}
	want := []string{"MAIL", "PRIORITY", "GROUND", "EXPRESS"}
	if len(levels) != len(want) {
		t.Fatalf("want %v, got %v", want, levels)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("want %v, got %v", want, levels)
		}
	}
	if result.Options[0].CostCents != 499 || result.Options[0].Currency != "USD" {
		t.Fatalf("unexpected first option %+v", result.Options[0])
	}
	if len(quoter.last.Items) != 2 || quoter.last.Items[0].PodPackageID != "PB-BW" || quoter.last.Items[1].PodPackageID != "HC-FC" || quoter.last.Items[0].Quantity != 2 {
		t.Fatalf("unexpected quote request %+v", quoter.last)
	}
}

func TestShippingResolverBusinessAddress(t *testing.T) {
	quoter := &fakeQuoter{quotes: []domain.ShippingQuote{
		{Level: "business", Cost: "3.00", BusinessOnly: true},
		{Level: "mail", Cost: "4.99", HomeOnly: true},
	}}
	resolver := newTestResolver(t, quoter, nil)
	result, err := resolver.Resolve(context.Background(), ShippingQuery{
		Items:   []domain.CartItem{{PageCount: 120}},
		Address: domain.ShippingAddress{CountryCode: "US", IsBusiness: true},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.Options) != 1 || result.Options[0].Level != "BUSINESS" {
		t.Fatalf("unexpected options %+v", result.Options)
	}
}

func TestShippingResolverDigitalOnlyNeverQuotes(t *testing.T) {
	quoter := &fakeQuoter{err: errors.New("must not be called")}
	resolver := newTestResolver(t, quoter, nil)

	for _, query := range []ShippingQuery{
		{Items: []domain.CartItem{{Digital: true}}},
		{Items: []domain.CartItem{{Digital: true}}, ShippingOption: domain.DigitalOnlyShippingKey},
	} {
		result, err := resolver.Resolve(context.Background(), query)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !result.DigitalOnly || len(result.Options) != 0 {
			t.Fatalf("expected digital-only sentinel, got %+v", result)
		}
	}
	if quoter.calls != 0 {
		t.Fatalf("expected no quote calls, got %d", quoter.calls)
	}
}

func TestShippingResolverDigitalOnlyRejectsPhysicalCart(t *testing.T) {
	quoter := &fakeQuoter{err: errors.New("must not be called")}
	resolver := newTestResolver(t, quoter, nil)

	_, err := resolver.Resolve(context.Background(), ShippingQuery{
		Items:          []domain.CartItem{{Digital: true}, {PageCount: 120}},
		Address:        domain.ShippingAddress{CountryCode: "US"},
		ShippingOption: domain.DigitalOnlyShippingKey,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if quoter.calls != 0 {
		t.Fatalf("expected no quote calls, got %d", quoter.calls)
	}
}

func TestShippingResolverCachesQuotes(t *testing.T) {
	quoter := &fakeQuoter{quotes: []domain.ShippingQuote{{Level: "mail", Cost: "4.99"}}}
	resolver := newTestResolver(t, quoter, cache.NewLRU(16, 0))
	query := ShippingQuery{Items: []domain.CartItem{{PageCount: 120}}, Address: domain.ShippingAddress{CountryCode: "US"}}

	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(context.Background(), query); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if quoter.calls != 1 {
		t.Fatalf("expected one provider call, got %d", quoter.calls)
	}

	query.Address.PostalCode = "10001"
	if _, err := resolver.Resolve(context.Background(), query); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if quoter.calls != 2 {
		t.Fatalf("expected a new destination to miss the cache, got %d calls", quoter.calls)
	}
}

func TestShippingResolverValidation(t *testing.T) {
	resolver := newTestResolver(t, &fakeQuoter{}, nil)
	for _, query := range []ShippingQuery{
		{},
		{Items: []domain.CartItem{{PageCount: 120}}},
		{Items: []domain.CartItem{{PageCount: 0}}, Address: domain.ShippingAddress{CountryCode: "US"}},
	} {
		if _, err := resolver.Resolve(context.Background(), query); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", query, err)
		}
	}
}
