// Package notifications renders customer emails and hands them to a transport.
package notifications

import (
	"context"
	"errors"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// Kind names one customer email.
type Kind string

const (
	KindOrderConfirmed Kind = "order_confirmed"
	KindInProduction   Kind = "in_production"
	KindShipped        Kind = "shipped"
)

// ErrNoRecipient is returned when the order has no customer email.
var ErrNoRecipient = errors.New("notifications: recipient email is required")

// Tracking is one shipped parcel.
type Tracking struct {
	ID   string
	URLs []string
}

// Notification is everything a template may reference.
type Notification struct {
	Kind         Kind
	OrderID      string
	Email        string
	CustomerName string
	HasPhysical  bool
	HasDigital   bool
	Tracking     []Tracking
}

// DedupKey identifies the email for downstream transports.
func (n Notification) DedupKey() string {
	parts := []string{n.OrderID, string(n.Kind)}
	for _, t := range n.Tracking {
		parts = append(parts, t.ID)
	}
	return strings.Join(parts, ":")
}

// TrackingFromJob collects parcels with a tracking id. Line items shipped in
// the same parcel share an id and yield one entry.
func TrackingFromJob(job domain.PrintJob) []Tracking {
	var tracking []Tracking
	seen := make(map[string]struct{}, len(job.LineItems))
	for _, item := range job.LineItems {
		if item.TrackingID == "" {
			continue
		}
		if _, ok := seen[item.TrackingID]; ok {
			continue
		}
		seen[item.TrackingID] = struct{}{}
		tracking = append(tracking, Tracking{ID: item.TrackingID, URLs: append([]string(nil), item.TrackingURLs...)})
	}
	return tracking
}

// Mail is a rendered message ready for delivery.
type Mail struct {
	Key     string `json:"key"`
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	Kind    Kind   `json:"kind"`
	OrderID string `json:"orderId"`
}

// Transport delivers rendered mail.
type Transport interface {
	Deliver(ctx context.Context, mail Mail) error
}

// Logger receives structured diagnostic events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Notifier renders and sends customer emails.
type Notifier struct {
	renderer  *Renderer
	transport Transport
	logger    Logger
	onSent    func(kind string)
}

// NotifierOption customises a Notifier.
type NotifierOption func(*Notifier)

// WithLogger sets the diagnostic logger.
func WithLogger(logger Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithSentCounter is called with the kind after each successful delivery.
func WithSentCounter(fn func(kind string)) NotifierOption {
	return func(n *Notifier) {
		if fn != nil {
			n.onSent = fn
		}
	}
}

// NewNotifier wires a renderer to a transport.
func NewNotifier(renderer *Renderer, transport Transport, opts ...NotifierOption) (*Notifier, error) {
	if renderer == nil {
		return nil, errors.New("notifications: renderer is required")
	}
	if transport == nil {
		return nil, errors.New("notifications: transport is required")
	}
	n := &Notifier{
		renderer:  renderer,
		transport: transport,
		logger:    func(context.Context, string, map[string]any) {},
		onSent:    func(string) {},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify renders and delivers one email.
func (n *Notifier) Notify(ctx context.Context, notification Notification) error {
	if strings.TrimSpace(notification.Email) == "" {
		return ErrNoRecipient
	}
	mail, err := n.renderer.Render(notification)
	if err != nil {
		return err
	}
	if err := n.transport.Deliver(ctx, mail); err != nil {
		n.logger(ctx, "notifications.delivery_failed", map[string]any{
			"orderId": notification.OrderID,
			"kind":    string(notification.Kind),
			"error":   err.Error(),
		})
		return err
	}
	n.onSent(string(notification.Kind))
	n.logger(ctx, "notifications.sent", map[string]any{
		"orderId": notification.OrderID,
		"kind":    string(notification.Kind),
	})
	return nil
}
