package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/notifications"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// PrintJobCallback is one decoded print provider webhook plus its raw body.
type PrintJobCallback struct {
	Topic   string
	Job     PrintJob
	Payload string
}

// StatusUpdateOutcome describes what a callback did.
type StatusUpdateOutcome string

const (
	StatusUpdateIgnored   StatusUpdateOutcome = "ignored"
	StatusUpdateDiscarded StatusUpdateOutcome = "discarded"
	StatusUpdateApplied   StatusUpdateOutcome = "applied"
)

// StatusUpdateResult reports the callback outcome and the notifications it sent.
type StatusUpdateResult struct {
	Outcome StatusUpdateOutcome
	Order   Order
	Sent    []domain.NotificationRecord
}

// StatusUpdateServiceDeps bundles collaborators required to construct the engine.
type StatusUpdateServiceDeps struct {
	Orders   repositories.OrderRepository
	Notifier Notifier
	Clock    func() time.Time
	Logger   Logger
}

type statusUpdateService struct {
	orders   repositories.OrderRepository
	notifier Notifier
	clock    func() time.Time
	logger   Logger
}

var _ StatusUpdateService = (*statusUpdateService)(nil)

// NewStatusUpdateService assembles the status update and notification engine.
func NewStatusUpdateService(deps StatusUpdateServiceDeps) (StatusUpdateService, error) {
	if deps.Orders == nil {
		return nil, errors.New("status update service: order repository is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("status update service: notifier is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &statusUpdateService{
		orders:   deps.Orders,
		notifier: deps.Notifier,
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// HandlePrintJobStatus records the callback and sends any notification it
// newly earns. Unknown topics and orders are not errors; an error means the
// provider should redeliver.
func (s *statusUpdateService) HandlePrintJobStatus(ctx context.Context, callback PrintJobCallback) (StatusUpdateResult, error) {
	if callback.Topic != domain.PrintJobStatusChangedTopic {
		s.logger(ctx, "print_status.ignored_topic", map[string]any{"topic": callback.Topic})
		return StatusUpdateResult{Outcome: StatusUpdateIgnored}, nil
	}
	orderID := strings.TrimSpace(callback.Job.ExternalID)
	if orderID == "" {
		s.logger(ctx, "print_status.missing_external_id", map[string]any{"printJobId": callback.Job.ID})
		return StatusUpdateResult{Outcome: StatusUpdateDiscarded}, nil
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			s.logger(ctx, "print_status.unknown_order", map[string]any{
				"orderId":    orderID,
				"printJobId": callback.Job.ID,
			})
			return StatusUpdateResult{Outcome: StatusUpdateDiscarded}, nil
		}
		return StatusUpdateResult{}, err
	}

	now := s.clock()
	status := strings.ToUpper(strings.TrimSpace(callback.Job.Status.Name))
	update := domain.OrderUpdate{
		PrintJobStatus:        &status,
		PrintJobStatusMessage: &callback.Job.Status.Message,
		AppendStatusHistory: []domain.PrintJobStatusEvent{{
			JobID:      callback.Job.ID,
			Status:     status,
			Message:    callback.Job.Status.Message,
			Payload:    callback.Payload,
			ReceivedAt: now,
		}},
	}
	if id := strings.TrimSpace(callback.Job.ID); id != "" {
		update.PrintJobID = &id
	}
	if status == domain.PrintJobStatusShipped && domain.CanTransitionOrderStatus(order.Status, domain.OrderStatusCompleted, false) {
		completed := domain.OrderStatusCompleted
		update.Status = &completed
	}
	order, err = s.orders.Update(ctx, orderID, update)
	if err != nil {
		return StatusUpdateResult{}, fmt.Errorf("status update service: record status: %w", err)
	}

	result := StatusUpdateResult{Outcome: StatusUpdateApplied, Order: order}
	switch status {
	case domain.PrintJobStatusInProduction:
		sent, err := s.notifyOnce(ctx, order, notifications.KindInProduction, []domain.NotificationRecord{{Status: status}}, nil)
		result.Sent = sent
		if err != nil {
			return result, err
		}
	case domain.PrintJobStatusShipped:
		tracking := notifications.TrackingFromJob(callback.Job)
		records := make([]domain.NotificationRecord, 0, len(tracking))
		for _, t := range tracking {
			records = append(records, domain.NotificationRecord{Status: status, TrackingID: t.ID})
		}
		if len(records) == 0 {
			records = append(records, domain.NotificationRecord{Status: status})
		}
		sent, err := s.notifyOnce(ctx, order, notifications.KindShipped, records, tracking)
		result.Sent = sent
		if err != nil {
			return result, err
		}
	}
	if len(result.Sent) > 0 {
		if refreshed, err := s.orders.Get(ctx, orderID); err == nil {
			result.Order = refreshed
		}
	}
	return result, nil
}

// notifyOnce claims ledger tuples and sends one email covering the claimed
// ones. A failed send releases the claim so a redelivery can retry.
func (s *statusUpdateService) notifyOnce(ctx context.Context, order Order, kind notifications.Kind, records []domain.NotificationRecord, tracking []notifications.Tracking) ([]domain.NotificationRecord, error) {
	now := s.clock()
	for i := range records {
		records[i].SentAt = now
	}
	_, claimed, err := s.orders.ClaimNotifications(ctx, order.ID, records)
	if err != nil {
		return nil, fmt.Errorf("status update service: claim notifications: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	fresh := tracking[:0:0]
	for _, t := range tracking {
		for _, record := range claimed {
			if record.TrackingID == t.ID {
				fresh = append(fresh, t)
				break
			}
		}
	}
	err = s.notifier.Notify(ctx, notifications.Notification{
		Kind:        kind,
		OrderID:     order.ID,
		Email:       order.CustomerEmail,
		HasPhysical: true,
		Tracking:    fresh,
	})
	if err != nil {
		if errors.Is(err, notifications.ErrNoRecipient) {
			s.logger(ctx, "print_status.no_recipient", map[string]any{"orderId": order.ID, "kind": string(kind)})
			return claimed, nil
		}
		if _, releaseErr := s.orders.Update(ctx, order.ID, domain.OrderUpdate{RemoveNotifications: claimed}); releaseErr != nil {
			s.logger(ctx, "print_status.release_failed", map[string]any{"orderId": order.ID, "error": releaseErr.Error()})
		}
		return nil, fmt.Errorf("status update service: notify %s: %w", kind, err)
	}
	return claimed, nil
}
