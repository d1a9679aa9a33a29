package firestore

import (
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

type stageDocument struct {
	Status    string    `firestore:"status"`
	Error     string    `firestore:"error,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type statusEventDocument struct {
	JobID      string    `firestore:"jobId"`
	Status     string    `firestore:"status"`
	Message    string    `firestore:"message,omitempty"`
	Payload    string    `firestore:"payload"`
	ReceivedAt time.Time `firestore:"receivedAt"`
}

type notificationDocument struct {
	Status     string    `firestore:"status"`
	TrackingID string    `firestore:"trackingId,omitempty"`
	SentAt     time.Time `firestore:"sentAt"`
}

type orderDocument struct {
	Status                string                 `firestore:"status"`
	CustomerEmail         string                 `firestore:"customerEmail"`
	Error                 string                 `firestore:"error,omitempty"`
	PrintJobID            string                 `firestore:"printJobId,omitempty"`
	PrintJobStatus        string                 `firestore:"printJobStatus,omitempty"`
	PrintJobStatusMessage string                 `firestore:"printJobStatusMessage,omitempty"`
	PrintJobStatusHistory []statusEventDocument  `firestore:"printJobStatusHistory"`
	NotificationsSent     []notificationDocument `firestore:"notificationsSent"`
	PrintStage            stageDocument          `firestore:"printStage"`
	DigitalStage          stageDocument          `firestore:"digitalStage"`
	DispatchAttempts      int                    `firestore:"dispatchAttempts"`
	DispatchLeaseUntil    time.Time              `firestore:"dispatchLeaseUntil"`
	CreatedAt             time.Time              `firestore:"createdAt"`
	UpdatedAt             time.Time              `firestore:"updatedAt"`
}

func encodeStage(stage domain.StageOutcome) stageDocument {
	return stageDocument{Status: string(stage.Status), Error: stage.Error, UpdatedAt: stage.UpdatedAt}
}

func decodeStage(doc stageDocument) domain.StageOutcome {
	return domain.StageOutcome{Status: domain.StageStatus(doc.Status), Error: doc.Error, UpdatedAt: doc.UpdatedAt}
}

func encodeHistory(events []domain.PrintJobStatusEvent) []statusEventDocument {
	out := make([]statusEventDocument, 0, len(events))
	for _, e := range events {
		out = append(out, statusEventDocument{JobID: e.JobID, Status: e.Status, Message: e.Message, Payload: e.Payload, ReceivedAt: e.ReceivedAt})
	}
	return out
}

func encodeLedger(records []domain.NotificationRecord) []notificationDocument {
	out := make([]notificationDocument, 0, len(records))
	for _, r := range records {
		out = append(out, notificationDocument{Status: r.Status, TrackingID: r.TrackingID, SentAt: r.SentAt})
	}
	return out
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		Status:                string(order.Status),
		CustomerEmail:         order.CustomerEmail,
		Error:                 order.Error,
		PrintJobID:            order.PrintJobID,
		PrintJobStatus:        order.PrintJobStatus,
		PrintJobStatusMessage: order.PrintJobStatusMessage,
		PrintJobStatusHistory: encodeHistory(order.PrintJobStatusHistory),
		NotificationsSent:     encodeLedger(order.NotificationsSent),
		PrintStage:            encodeStage(order.PrintStage),
		DigitalStage:          encodeStage(order.DigitalStage),
		DispatchAttempts:      order.DispatchAttempts,
		DispatchLeaseUntil:    order.DispatchLeaseUntil,
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:                    id,
		Status:                domain.OrderStatus(doc.Status),
		CustomerEmail:         doc.CustomerEmail,
		Error:                 doc.Error,
		PrintJobID:            doc.PrintJobID,
		PrintJobStatus:        doc.PrintJobStatus,
		PrintJobStatusMessage: doc.PrintJobStatusMessage,
		PrintStage:            decodeStage(doc.PrintStage),
		DigitalStage:          decodeStage(doc.DigitalStage),
		DispatchAttempts:      doc.DispatchAttempts,
		DispatchLeaseUntil:    doc.DispatchLeaseUntil.UTC(),
		CreatedAt:             doc.CreatedAt.UTC(),
		UpdatedAt:             doc.UpdatedAt.UTC(),
	}
	for _, e := range doc.PrintJobStatusHistory {
		order.PrintJobStatusHistory = append(order.PrintJobStatusHistory, domain.PrintJobStatusEvent{
			JobID: e.JobID, Status: e.Status, Message: e.Message, Payload: e.Payload, ReceivedAt: e.ReceivedAt.UTC(),
		})
	}
	for _, n := range doc.NotificationsSent {
		order.NotificationsSent = append(order.NotificationsSent, domain.NotificationRecord{
			Status: n.Status, TrackingID: n.TrackingID, SentAt: n.SentAt.UTC(),
		})
	}
	return order
}
