package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/services"
)

type stubVerifier struct {
	event domain.CheckoutEvent
	err   error
}

func (s stubVerifier) VerifyEvent([]byte, string) (domain.CheckoutEvent, error) {
	return s.event, s.err
}

type stubFulfillment struct {
	intake      services.IntakeResult
	intakeErr   error
	fulfillErr  error
	dispatchErr error
	requeued    int

	events     []domain.CheckoutEvent
	fulfilled  []string
	dispatched [][]byte
}

func (s *stubFulfillment) HandleCheckoutEvent(_ context.Context, event services.CheckoutEvent) (services.IntakeResult, error) {
	s.events = append(s.events, event)
	return s.intake, s.intakeErr
}

func (s *stubFulfillment) Fulfill(_ context.Context, orderID string) error {
	s.fulfilled = append(s.fulfilled, orderID)
	return s.fulfillErr
}

func (s *stubFulfillment) HandleDispatchMessage(_ context.Context, data []byte) error {
	s.dispatched = append(s.dispatched, data)
	return s.dispatchErr
}

func (s *stubFulfillment) Redispatch(context.Context, string) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubFulfillment) Reconcile(context.Context) (int, error) {
	return s.requeued, nil
}

type stubStatusUpdates struct {
	result    services.StatusUpdateResult
	err       error
	callbacks []services.PrintJobCallback
}

func (s *stubStatusUpdates) HandlePrintJobStatus(_ context.Context, callback services.PrintJobCallback) (services.StatusUpdateResult, error) {
	s.callbacks = append(s.callbacks, callback)
	return s.result, s.err
}

func decodeBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}
