package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type stageJSON struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type historyJSON struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type ledgerJSON struct {
	Status     string    `json:"status"`
	TrackingID string    `json:"trackingId,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

func encodeStage(stage domain.StageOutcome) stageJSON {
	return stageJSON{Status: string(stage.Status), Error: stage.Error, UpdatedAt: stage.UpdatedAt}
}

func encodeHistory(events []domain.PrintJobStatusEvent) []historyJSON {
	out := make([]historyJSON, 0, len(events))
	for _, event := range events {
		out = append(out, historyJSON{
			JobID:      event.JobID,
			Status:     event.Status,
			Message:    event.Message,
			Payload:    event.Payload,
			ReceivedAt: event.ReceivedAt,
		})
	}
	return out
}

func encodeLedger(records []domain.NotificationRecord) []ledgerJSON {
	out := make([]ledgerJSON, 0, len(records))
	for _, record := range records {
		out = append(out, ledgerJSON{Status: record.Status, TrackingID: record.TrackingID, SentAt: record.SentAt})
	}
	return out
}

func encodeJSONColumns(order domain.Order) (history, ledger, printStage, digitalStage []byte, err error) {
	if history, err = json.Marshal(encodeHistory(order.PrintJobStatusHistory)); err != nil {
		return
	}
	if ledger, err = json.Marshal(encodeLedger(order.NotificationsSent)); err != nil {
		return
	}
	if printStage, err = json.Marshal(encodeStage(order.PrintStage)); err != nil {
		return
	}
	digitalStage, err = json.Marshal(encodeStage(order.DigitalStage))
	return
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var order domain.Order
	var status string
	var history, ledger, printStage, digitalStage []byte
	var lease sql.NullTime
	err := row.Scan(
		&order.ID, &status, &order.CustomerEmail, &order.Error,
		&order.PrintJobID, &order.PrintJobStatus, &order.PrintJobStatusMessage,
		&history, &ledger, &printStage, &digitalStage, &order.DispatchAttempts,
		&lease, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if lease.Valid {
		order.DispatchLeaseUntil = lease.Time
	}

	var events []historyJSON
	if err := unmarshalColumn(history, &events); err != nil {
		return domain.Order{}, err
	}
	for _, event := range events {
		order.PrintJobStatusHistory = append(order.PrintJobStatusHistory, domain.PrintJobStatusEvent{
			JobID:      event.JobID,
			Status:     event.Status,
			Message:    event.Message,
			Payload:    event.Payload,
			ReceivedAt: event.ReceivedAt,
		})
	}
	var records []ledgerJSON
	if err := unmarshalColumn(ledger, &records); err != nil {
		return domain.Order{}, err
	}
	for _, record := range records {
		order.NotificationsSent = append(order.NotificationsSent, domain.NotificationRecord{
			Status:     record.Status,
			TrackingID: record.TrackingID,
			SentAt:     record.SentAt,
		})
	}
	if order.PrintStage, err = decodeStage(printStage); err != nil {
		return domain.Order{}, err
	}
	if order.DigitalStage, err = decodeStage(digitalStage); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func decodeStage(raw []byte) (domain.StageOutcome, error) {
	var stage stageJSON
	if err := unmarshalColumn(raw, &stage); err != nil {
		return domain.StageOutcome{}, err
	}
	return domain.StageOutcome{Status: domain.StageStatus(stage.Status), Error: stage.Error, UpdatedAt: stage.UpdatedAt}, nil
}

func unmarshalColumn(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
