package domain

import "time"

// CheckoutLineItem is a line item as the payment provider reports it.
type CheckoutLineItem struct {
	ProductID   string
	PriceID     string
	Description string
	Quantity    int64
	AmountTotal int64
}

// CheckoutSession is the finalized payment record an order is derived from.
type CheckoutSession struct {
	ID              string
	PaymentStatus   string
	CustomerEmail   string
	CustomerName    string
	AccountID       string
	Currency        string
	AmountTotal     int64
	ShippingAddress *ShippingAddress
	Metadata        map[string]string
	LineItems       []CheckoutLineItem
	CreatedAt       time.Time
}

// CheckoutEvent is a verified payment webhook event.
type CheckoutEvent struct {
	ID      string
	Type    string
	Session CheckoutSession
}

// CatalogProduct is a product as stored in the payment provider catalog.
type CatalogProduct struct {
	ID       string
	Name     string
	Active   bool
	Metadata map[string]string
}

// CatalogPrice is a price as stored in the payment provider catalog.
type CatalogPrice struct {
	ID         string
	ProductID  string
	Currency   string
	UnitAmount int64
	Metadata   map[string]string
}
