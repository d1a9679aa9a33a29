package domain

import "time"

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus is the terminal business outcome of a fulfillment attempt.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// CanTransitionOrderStatus reports whether an order may move from one status to another.
// Completed is absorbing; failed only returns to pending through an explicit
// resubmission or retry.
func CanTransitionOrderStatus(from, to OrderStatus, resubmission bool) bool {
	if from == to {
		return true
	}
	switch from {
	case "", OrderStatusPending:
		return to == OrderStatusCompleted || to == OrderStatusFailed
	case OrderStatusFailed:
		return resubmission && to == OrderStatusPending
	default:
		return false
	}
}

// StageStatus captures the outcome of one fulfillment stage.
type StageStatus string

const (
	StageStatusNotStarted  StageStatus = ""
	StageStatusNotRequired StageStatus = "not_required"
	StageStatusPending     StageStatus = "pending"
	StageStatusDone        StageStatus = "done"
	StageStatusFailed      StageStatus = "failed"
)

// Settled reports whether the stage no longer needs dispatch work.
func (s StageStatus) Settled() bool {
	return s == StageStatusDone || s == StageStatusNotRequired
}

// StageOutcome records what already happened for the print or digital stage so
// reconciliation can tell which external side effects exist.
type StageOutcome struct {
	Status    StageStatus
	Error     string
	UpdatedAt time.Time
}

// Notification statuses recorded in the ledger besides provider job statuses.
const (
	NotificationOrderConfirmed = "ORDER_CONFIRMED"
)

// NotificationRecord is one entry in the notification ledger.
type NotificationRecord struct {
	Status     string
	TrackingID string
	SentAt     time.Time
}

// Key identifies a ledger tuple regardless of when it was written.
func (n NotificationRecord) Key() string {
	return n.Status + "|" + n.TrackingID
}

// PrintJobStatusEvent is one raw provider callback kept for audit.
type PrintJobStatusEvent struct {
	JobID      string
	Status     string
	Message    string
	Payload    string
	ReceivedAt time.Time
}

// Order is one fulfillment attempt keyed by the payment event id.
type Order struct {
	ID                    string
	Status                OrderStatus
	CustomerEmail         string
	Error                 string
	PrintJobID            string
	PrintJobStatus        string
	PrintJobStatusMessage string
	PrintJobStatusHistory []PrintJobStatusEvent
	NotificationsSent     []NotificationRecord
	PrintStage            StageOutcome
	DigitalStage          StageOutcome
	DispatchAttempts      int
	DispatchLeaseUntil    time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasNotification reports whether the ledger already holds the tuple.
func (o Order) HasNotification(status, trackingID string) bool {
	for _, record := range o.NotificationsSent {
		if record.Status == status && record.TrackingID == trackingID {
			return true
		}
	}
	return false
}

// Retryable reports whether a failed order stopped before any stage started,
// so dispatching it again cannot repeat an external side effect.
func (o Order) Retryable() bool {
	return o.Status == OrderStatusFailed &&
		o.PrintStage.Status == StageStatusNotStarted &&
		o.DigitalStage.Status == StageStatusNotStarted
}

// StagesSettled reports whether both stages finished without needing more dispatch work.
func (o Order) StagesSettled() bool {
	return o.PrintStage.Status.Settled() && o.DigitalStage.Status.Settled()
}

// OrderUpdate is a partial mutation; nil fields are left untouched and the
// append slices extend the audit log and ledger. Status and Error are dropped
// together when the stored status cannot make the requested transition.
type OrderUpdate struct {
	Status                *OrderStatus
	StatusResubmission    bool
	CustomerEmail         *string
	Error                 *string
	PrintJobID            *string
	PrintJobStatus        *string
	PrintJobStatusMessage *string
	PrintStage            *StageOutcome
	DigitalStage          *StageOutcome
	DispatchLeaseUntil    *time.Time
	AppendStatusHistory   []PrintJobStatusEvent
	AppendNotifications   []NotificationRecord
	RemoveNotifications   []NotificationRecord
}

// IsEmpty reports whether the update would change nothing.
func (u OrderUpdate) IsEmpty() bool {
	return u.Status == nil && u.CustomerEmail == nil && u.Error == nil &&
		u.PrintJobID == nil && u.PrintJobStatus == nil && u.PrintJobStatusMessage == nil &&
		u.PrintStage == nil && u.DigitalStage == nil && u.DispatchLeaseUntil == nil &&
		len(u.AppendStatusHistory) == 0 && len(u.AppendNotifications) == 0 && len(u.RemoveNotifications) == 0
}

// Apply mutates the order in memory following the same per-field rules storage backends use.
func (u OrderUpdate) Apply(order *Order, now time.Time) {
	if order == nil {
		return
	}
	statusAllowed := u.Status == nil || CanTransitionOrderStatus(order.Status, *u.Status, u.StatusResubmission)
	if u.Status != nil && statusAllowed {
		order.Status = *u.Status
	}
	if u.CustomerEmail != nil {
		order.CustomerEmail = *u.CustomerEmail
	}
	if u.Error != nil && statusAllowed {
		order.Error = *u.Error
	}
	if u.PrintJobID != nil {
		order.PrintJobID = *u.PrintJobID
	}
	if u.PrintJobStatus != nil {
		order.PrintJobStatus = *u.PrintJobStatus
	}
	if u.PrintJobStatusMessage != nil {
		order.PrintJobStatusMessage = *u.PrintJobStatusMessage
	}
	if u.PrintStage != nil {
		order.PrintStage = *u.PrintStage
	}
	if u.DigitalStage != nil {
		order.DigitalStage = *u.DigitalStage
	}
	if u.DispatchLeaseUntil != nil {
		order.DispatchLeaseUntil = *u.DispatchLeaseUntil
	}
	order.PrintJobStatusHistory = append(order.PrintJobStatusHistory, u.AppendStatusHistory...)
	if len(u.RemoveNotifications) > 0 {
		drop := make(map[string]struct{}, len(u.RemoveNotifications))
		for _, record := range u.RemoveNotifications {
			drop[record.Key()] = struct{}{}
		}
		kept := order.NotificationsSent[:0]
		for _, record := range order.NotificationsSent {
			if _, ok := drop[record.Key()]; ok {
				continue
			}
			kept = append(kept, record)
		}
		order.NotificationsSent = kept
	}
	for _, record := range u.AppendNotifications {
		if order.HasNotification(record.Status, record.TrackingID) {
			continue
		}
		order.NotificationsSent = append(order.NotificationsSent, record)
	}
	order.UpdatedAt = now
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Status      OrderStatus
	PrintStatus string
	Query       string
	Pagination  Pagination
}
