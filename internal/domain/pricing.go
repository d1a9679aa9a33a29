package domain

// BookPriceOption is one binding and ink combination for a page count.
type BookPriceOption struct {
	Hardcover  bool
	Color      bool
	PriceCents int64
	Formatted  string
}
