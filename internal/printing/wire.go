package printing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// ErrInvalidWebhook is returned for callback bodies that cannot be decoded.
var ErrInvalidWebhook = errors.New("printing: invalid webhook payload")

// flexibleID accepts the provider's numeric ids as well as strings.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("printing: id: %w", err)
	}
	*id = flexibleID(n.String())
	return nil
}

type addressPayload struct {
	Name        string `json:"name"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	PostalCode  string `json:"postcode"`
	CountryCode string `json:"country_code"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
	IsBusiness  bool   `json:"is_business,omitempty"`
}

type sourcePayload struct {
	SourceURL string `json:"source_url"`
}

type normalizationPayload struct {
	Cover        sourcePayload `json:"cover"`
	Interior     sourcePayload `json:"interior"`
	PodPackageID string        `json:"pod_package_id"`
}

type lineItemPayload struct {
	ExternalID             string               `json:"external_id"`
	Title                  string               `json:"title"`
	PrintableNormalization normalizationPayload `json:"printable_normalization"`
	Quantity               int64                `json:"quantity"`
}

type printJobPayload struct {
	ExternalID      string            `json:"external_id"`
	ContactEmail    string            `json:"contact_email"`
	ShippingAddress addressPayload    `json:"shipping_address"`
	LineItems       []lineItemPayload `json:"line_items"`
	ShippingLevel   string            `json:"shipping_level"`
}

type statusPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type trackingPayload struct {
	TrackingID   string   `json:"tracking_id"`
	TrackingURLs []string `json:"tracking_urls"`
}

type printJobResponse struct {
	ID         flexibleID        `json:"id"`
	ExternalID string            `json:"external_id"`
	Status     statusPayload     `json:"status"`
	LineItems  []trackingPayload `json:"line_items"`
}

type quoteItemPayload struct {
	PageCount    int    `json:"page_count"`
	PodPackageID string `json:"pod_package_id"`
	Quantity     int64  `json:"quantity"`
}

type quoteRequestPayload struct {
	Currency        string             `json:"currency"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	LineItems       []quoteItemPayload `json:"line_items"`
}

type quotePayload struct {
	Level        string `json:"level"`
	CostExclTax  string `json:"cost_excl_tax"`
	Currency     string `json:"currency"`
	TotalDaysMin int    `json:"total_days_min"`
	TotalDaysMax int    `json:"total_days_max"`
	BusinessOnly bool   `json:"business_only"`
	HomeOnly     bool   `json:"home_only"`
}

type webhookPayload struct {
	Topic string           `json:"topic"`
	Data  printJobResponse `json:"data"`
}

func encodeAddress(addr domain.ShippingAddress) addressPayload {
	return addressPayload{
		Name:        addr.Name,
		Street1:     addr.Street1,
		Street2:     addr.Street2,
		City:        addr.City,
		StateCode:   addr.StateCode,
		PostalCode:  addr.PostalCode,
		CountryCode: addr.CountryCode,
		PhoneNumber: addr.PhoneNumber,
		Email:       addr.Email,
		IsBusiness:  addr.IsBusiness,
	}
}

func encodePrintJob(req domain.PrintJobRequest) printJobPayload {
	payload := printJobPayload{
		ExternalID:      req.ExternalID,
		ContactEmail:    req.ContactEmail,
		ShippingAddress: encodeAddress(req.ShippingAddress),
		ShippingLevel:   req.ShippingLevel,
		LineItems:       make([]lineItemPayload, 0, len(req.LineItems)),
	}
	for _, item := range req.LineItems {
		payload.LineItems = append(payload.LineItems, lineItemPayload{
			ExternalID: item.ExternalID,
			Title:      item.Title,
			PrintableNormalization: normalizationPayload{
				Cover:        sourcePayload{SourceURL: item.Source.CoverURL},
				Interior:     sourcePayload{SourceURL: item.Source.InteriorURL},
				PodPackageID: item.Source.PodPackageID,
			},
			Quantity: item.Quantity,
		})
	}
	return payload
}

func decodePrintJob(resp printJobResponse) domain.PrintJob {
	job := domain.PrintJob{
		ID:         strings.TrimSpace(string(resp.ID)),
		ExternalID: strings.TrimSpace(resp.ExternalID),
		Status:     domain.PrintJobState{Name: strings.ToUpper(strings.TrimSpace(resp.Status.Name)), Message: resp.Status.Message},
	}
	for _, item := range resp.LineItems {
		job.LineItems = append(job.LineItems, domain.PrintJobTracking{
			TrackingID:   strings.TrimSpace(item.TrackingID),
			TrackingURLs: item.TrackingURLs,
		})
	}
	return job
}

func encodeQuoteRequest(req domain.ShippingQuoteRequest) quoteRequestPayload {
	payload := quoteRequestPayload{
		Currency:        req.Currency,
		ShippingAddress: encodeAddress(req.Address),
		LineItems:       make([]quoteItemPayload, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		payload.LineItems = append(payload.LineItems, quoteItemPayload{
			PageCount:    item.PageCount,
			PodPackageID: item.PodPackageID,
			Quantity:     item.Quantity,
		})
	}
	return payload
}

func decodeQuotes(payloads []quotePayload) []domain.ShippingQuote {
	quotes := make([]domain.ShippingQuote, 0, len(payloads))
	for _, q := range payloads {
		quotes = append(quotes, domain.ShippingQuote{
			Level:          strings.ToUpper(strings.TrimSpace(q.Level)),
			Cost:           strings.TrimSpace(q.CostExclTax),
			Currency:       strings.ToUpper(q.Currency),
			MinTransitDays: q.TotalDaysMin,
			MaxTransitDays: q.TotalDaysMax,
			BusinessOnly:   q.BusinessOnly,
			HomeOnly:       q.HomeOnly,
		})
	}
	return quotes
}

// StatusWebhook is a decoded print job status callback.
type StatusWebhook struct {
	Topic string
	Job   domain.PrintJob
}

// DecodeStatusWebhook parses a provider callback body. Only the topic is
// required here; handlers decide what to do with other topics.
func DecodeStatusWebhook(body []byte) (StatusWebhook, error) {
	var payload webhookPayload
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return StatusWebhook{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	topic := strings.ToUpper(strings.TrimSpace(payload.Topic))
	if topic == "" {
		return StatusWebhook{}, fmt.Errorf("%w: topic missing", ErrInvalidWebhook)
	}
	return StatusWebhook{Topic: topic, Job: decodePrintJob(payload.Data)}, nil
}

// ParseCost converts a decimal cost string such as "4.99" into minor units.
func ParseCost(cost string) (int64, bool) {
	cost = strings.TrimSpace(cost)
	if cost == "" {
		return 0, false
	}
	whole, frac, _ := strings.Cut(cost, ".")
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, false
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, false
	}
	return units*100 + cents, true
}
