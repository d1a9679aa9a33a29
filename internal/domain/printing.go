package domain

// Print provider job statuses the notification engine reacts to.
const (
	PrintJobStatusCreated      = "CREATED"
	PrintJobStatusInProduction = "IN_PRODUCTION"
	PrintJobStatusShipped      = "SHIPPED"

	PrintJobStatusChangedTopic = "PRINT_JOB_STATUS_CHANGED"

	DefaultShippingLevel   = "MAIL"
	DigitalOnlyShippingKey = "digital_delivery_only"
)

// ShippingAddress is the destination for a physical shipment.
type ShippingAddress struct {
	Name        string
	Street1     string
	Street2     string
	City        string
	StateCode   string
	PostalCode  string
	CountryCode string
	PhoneNumber string
	Email       string
	IsBusiness  bool
}

// PrintableSource points the provider at manufacturing files.
type PrintableSource struct {
	CoverURL     string
	InteriorURL  string
	PodPackageID string
}

// PrintJobLineItem is one book in a print job request.
type PrintJobLineItem struct {
	ExternalID string
	Title      string
	Source     PrintableSource
	Quantity   int64
}

// PrintJobRequest is the outbound job creation payload.
type PrintJobRequest struct {
	ExternalID      string
	ContactEmail    string
	ShippingAddress ShippingAddress
	LineItems       []PrintJobLineItem
	ShippingLevel   string
}

// PrintJobState mirrors the provider's status object.
type PrintJobState struct {
	Name    string
	Message string
}

// PrintJobTracking carries per-parcel tracking data from callbacks.
type PrintJobTracking struct {
	TrackingID   string
	TrackingURLs []string
}

// PrintJob is the provider-owned job this system observes.
type PrintJob struct {
	ID         string
	ExternalID string
	Status     PrintJobState
	LineItems  []PrintJobTracking
}

// ShippingQuoteItem describes one physical cart item for quoting.
type ShippingQuoteItem struct {
	PageCount    int
	PodPackageID string
	Quantity     int64
}

// ShippingQuoteRequest asks the provider what it would cost to ship a cart.
type ShippingQuoteRequest struct {
	Currency string
	Address  ShippingAddress
	Items    []ShippingQuoteItem
}

// ShippingQuote is one provider option before filtering.
type ShippingQuote struct {
	Level          string
	Cost           string
	Currency       string
	MinTransitDays int
	MaxTransitDays int
	BusinessOnly   bool
	HomeOnly       bool
}

// ShippingOption is a ranked, usable option.
type ShippingOption struct {
	Level          string
	CostCents      int64
	Currency       string
	MinTransitDays int
	MaxTransitDays int
}

// ShippingOptions is the resolver result. DigitalOnly short-circuits quoting.
type ShippingOptions struct {
	DigitalOnly bool
	Options     []ShippingOption
}

// CartItem is a storefront cart entry used for shipping quotes.
type CartItem struct {
	PageCount int
	Hardcover bool
	Color     bool
	Digital   bool
	Quantity  int64
}
