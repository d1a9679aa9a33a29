package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/fulfillment/internal/platform/jobs"
)

// PublisherTransport writes rendered mail to an outbox topic consumed by the mail sender.
type PublisherTransport struct {
	publisher jobs.Publisher
	timeout   time.Duration
}

// NewPublisherTransport wraps a Pub/Sub or Kafka publisher. A non-positive
// timeout uses ten seconds.
func NewPublisherTransport(publisher jobs.Publisher, timeout time.Duration) (*PublisherTransport, error) {
	if publisher == nil {
		return nil, errors.New("notifications: publisher is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PublisherTransport{publisher: publisher, timeout: timeout}, nil
}

func (t *PublisherTransport) Deliver(ctx context.Context, mail Mail) error {
	data, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("notifications: encode mail: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err = t.publisher.Publish(ctx, jobs.Message{
		Key:  mail.Key,
		Data: data,
		Attributes: map[string]string{
			"kind":    string(mail.Kind),
			"orderId": mail.OrderID,
		},
	})
	if err != nil {
		return fmt.Errorf("notifications: publish mail: %w", err)
	}
	return nil
}

// LogTransport only logs mail; used in development.
type LogTransport struct {
	logger Logger
}

// NewLogTransport returns a transport that never fails.
func NewLogTransport(logger Logger) *LogTransport {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, mail Mail) error {
	t.logger(ctx, "notifications.mail", map[string]any{
		"key":     mail.Key,
		"to":      mail.To,
		"subject": mail.Subject,
		"kind":    string(mail.Kind),
	})
	return nil
}
