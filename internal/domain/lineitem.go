package domain

// Product metadata keys read when resolving a line item kind.
const (
	MetadataIsShipping            = "is_shipping"
	MetadataStoreCategory         = "store_category"
	MetadataDigital               = "digital"
	MetadataPageCount             = "page_count"
	MetadataHardcover             = "hardcover"
	MetadataColor                 = "color"
	MetadataLibrary               = "library"
	MetadataCoverID               = "cover_id"
	MetadataShippingLevel         = "shipping_level"
	MetadataDigitalDeliveryOption = "digital_delivery_option"

	StoreCategoryBooks = "books"
)

// DeliveryOption selects how a digital item reaches the customer.
type DeliveryOption string

const (
	DeliveryEmailAccessCodes DeliveryOption = "email_access_codes"
	DeliveryApplyToAccount   DeliveryOption = "apply_to_account"
)

// Valid reports whether the option is one the identity service understands.
func (o DeliveryOption) Valid() bool {
	return o == DeliveryEmailAccessCodes || o == DeliveryApplyToAccount
}

// LineItemKind is the tagged union of actionable line item categories.
// A nil kind means the item is not actionable for fulfillment.
type LineItemKind interface {
	lineItemKind()
}

// BookKind is a printable book.
type BookKind struct {
	Pages     int
	Hardcover bool
	Color     bool
	Library   string
	CoverID   string
}

// DigitalKind is a licence or access code delivered through the identity service.
type DigitalKind struct {
	DeliveryOption DeliveryOption
}

// ShippingKind carries the shipping level the customer picked at checkout.
type ShippingKind struct {
	Level string
}

func (BookKind) lineItemKind()     {}
func (DigitalKind) lineItemKind()  {}
func (ShippingKind) lineItemKind() {}

// ResolvedLineItem is a checkout line item joined with its catalog product and price.
type ResolvedLineItem struct {
	ProductID       string
	PriceID         string
	PriceProductID  string
	Title           string
	Quantity        int64
	ProductMetadata map[string]string
	PriceMetadata   map[string]string
	Kind            LineItemKind
}

// BookLine pairs a resolved item with its book attributes.
type BookLine struct {
	Item ResolvedLineItem
	Book BookKind
}

// DigitalLine pairs a resolved item with its delivery attributes.
type DigitalLine struct {
	Item    ResolvedLineItem
	Digital DigitalKind
}

// ShippingLine pairs a resolved item with the chosen level.
type ShippingLine struct {
	Item     ResolvedLineItem
	Shipping ShippingKind
}

// ClassifiedCart is the classifier output.
type ClassifiedCart struct {
	Books    []BookLine
	Digital  []DigitalLine
	Shipping *ShippingLine
	Ignored  []ResolvedLineItem
}

// HasPhysical reports whether any item needs the print provider.
func (c ClassifiedCart) HasPhysical() bool {
	return len(c.Books) > 0
}
