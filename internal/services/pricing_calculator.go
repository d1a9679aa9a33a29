package services

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Print cost constants in cents. They must match the catalog prices are synced to.
const (
	pageRateCents           = 3.2
	flatBaseCostCents       = 180.0
	hardcoverSurchargeCents = 735.0
	colorRatePer100Cents    = 150.0
	operatingCostMultiplier = 0.24
)

// PricingCalculatorDeps configures price formatting.
type PricingCalculatorDeps struct {
	Currency string
	Locale   string
}

type pricingCalculator struct {
	unit    currency.Unit
	printer *message.Printer
}

var _ PricingCalculator = (*pricingCalculator)(nil)

// NewPricingCalculator returns the book price calculator. Currency defaults to USD
// and locale to en-US.
func NewPricingCalculator(deps PricingCalculatorDeps) (PricingCalculator, error) {
	code := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if code == "" {
		code = "USD"
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("pricing calculator: currency %q: %w", code, err)
	}
	locale := strings.TrimSpace(deps.Locale)
	if locale == "" {
		locale = "en-US"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("pricing calculator: locale %q: %w", locale, err)
	}
	return &pricingCalculator{unit: unit, printer: message.NewPrinter(tag)}, nil
}

// Price returns plain, hardcover, color and hardcover+color prices in that order.
func (c *pricingCalculator) Price(pageCount int) ([]BookPriceOption, error) {
	if pageCount < 0 {
		return nil, fmt.Errorf("%w: page count must be non-negative", ErrInvalidInput)
	}
	pages := float64(pageCount)
	base := pages*pageRateCents + flatBaseCostCents
	color := pages * colorRatePer100Cents / 100

	variants := []struct {
		hardcover bool
		color     bool
		cost      float64
	}{
		{false, false, base},
		{true, false, base + hardcoverSurchargeCents},
		{false, true, base + color},
		{true, true, base + hardcoverSurchargeCents + color},
	}
	options := make([]BookPriceOption, 0, len(variants))
	for _, v := range variants {
		cents := int64(math.Round(v.cost * (1 + operatingCostMultiplier)))
		options = append(options, BookPriceOption{
			Hardcover:  v.hardcover,
			Color:      v.color,
			PriceCents: cents,
			Formatted:  c.format(cents),
		})
	}
	return options, nil
}

func (c *pricingCalculator) format(cents int64) string {
	amount := c.unit.Amount(float64(cents) / 100)
	return c.printer.Sprint(currency.Symbol(amount))
}
