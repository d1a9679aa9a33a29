package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/services"
)

const (
	maxShippingRequestBody int64 = 32 * 1024
	maxShippingCartItems         = 100
)

// PublicHandlers serves storefront pricing and shipping quotes.
type PublicHandlers struct {
	pricing  services.PricingCalculator
	shipping services.ShippingResolver
}

// NewPublicHandlers constructs the public pricing endpoints.
func NewPublicHandlers(pricing services.PricingCalculator, shipping services.ShippingResolver) *PublicHandlers {
	return &PublicHandlers{pricing: pricing, shipping: shipping}
}

// Routes registers the public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/book-prices", h.bookPrices)
	r.Post("/shipping-options", h.shippingOptions)
}

type bookPricePayload struct {
	Hardcover  bool   `json:"hardcover"`
	Color      bool   `json:"color"`
	PriceCents int64  `json:"priceCents"`
	Formatted  string `json:"formatted"`
}

type bookPricesResponse struct {
	PageCount int                `json:"pageCount"`
	Options   []bookPricePayload `json:"options"`
}

func (h *PublicHandlers) bookPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		serviceUnavailable(ctx, w, "pricing")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("page_count"))
	pages, err := strconv.Atoi(raw)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_count must be an integer", http.StatusBadRequest))
		return
	}
	options, err := h.pricing.Price(pages)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := bookPricesResponse{PageCount: pages, Options: make([]bookPricePayload, 0, len(options))}
	for _, option := range options {
		resp.Options = append(resp.Options, bookPricePayload{
			Hardcover:  option.Hardcover,
			Color:      option.Color,
			PriceCents: option.PriceCents,
			Formatted:  option.Formatted,
		})
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type cartItemRequest struct {
	PageCount int   `json:"pageCount"`
	Hardcover bool  `json:"hardcover"`
	Color     bool  `json:"color"`
	Digital   bool  `json:"digital"`
	Quantity  int64 `json:"quantity"`
}

type addressRequest struct {
	Name        string `json:"name"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2"`
	City        string `json:"city"`
	StateCode   string `json:"stateCode"`
	PostalCode  string `json:"postalCode"`
	CountryCode string `json:"countryCode"`
	PhoneNumber string `json:"phoneNumber"`
	IsBusiness  bool   `json:"isBusiness"`
}

type shippingOptionsRequest struct {
	Items          []cartItemRequest `json:"items"`
	Address        addressRequest    `json:"address"`
	Currency       string            `json:"currency"`
	ShippingOption string            `json:"shippingOption"`
}

type shippingOptionPayload struct {
	Level          string `json:"level"`
	CostCents      int64  `json:"costCents"`
	Currency       string `json:"currency"`
	MinTransitDays int    `json:"minTransitDays"`
	MaxTransitDays int    `json:"maxTransitDays"`
}

type shippingOptionsResponse struct {
	DigitalOnly bool                    `json:"digitalOnly"`
	Options     []shippingOptionPayload `json:"options"`
}

func (h *PublicHandlers) shippingOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		serviceUnavailable(ctx, w, "shipping")
		return
	}
	var req shippingOptionsRequest
	if err := httpx.DecodeJSON(r, maxShippingRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	if len(req.Items) > maxShippingCartItems {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many cart items", http.StatusBadRequest))
		return
	}

	query := services.ShippingQuery{
		Items:          make([]domain.CartItem, 0, len(req.Items)),
		Currency:       strings.TrimSpace(req.Currency),
		ShippingOption: strings.TrimSpace(req.ShippingOption),
		Address: domain.ShippingAddress{
			Name:        strings.TrimSpace(req.Address.Name),
			Street1:     strings.TrimSpace(req.Address.Street1),
			Street2:     strings.TrimSpace(req.Address.Street2),
			City:        strings.TrimSpace(req.Address.City),
			StateCode:   strings.TrimSpace(req.Address.StateCode),
			PostalCode:  strings.TrimSpace(req.Address.PostalCode),
			CountryCode: strings.ToUpper(strings.TrimSpace(req.Address.CountryCode)),
			PhoneNumber: strings.TrimSpace(req.Address.PhoneNumber),
			IsBusiness:  req.Address.IsBusiness,
		},
	}
	for _, item := range req.Items {
		query.Items = append(query.Items, domain.CartItem{
			PageCount: item.PageCount,
			Hardcover: item.Hardcover,
			Color:     item.Color,
			Digital:   item.Digital,
			Quantity:  item.Quantity,
		})
	}

	result, err := h.shipping.Resolve(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := shippingOptionsResponse{DigitalOnly: result.DigitalOnly, Options: make([]shippingOptionPayload, 0, len(result.Options))}
	for _, option := range result.Options {
		resp.Options = append(resp.Options, shippingOptionPayload{
			Level:          option.Level,
			CostCents:      option.CostCents,
			Currency:       option.Currency,
			MinTransitDays: option.MinTransitDays,
			MaxTransitDays: option.MaxTransitDays,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
