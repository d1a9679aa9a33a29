package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/services"
)

func paymentRouter(verifier payments.EventVerifier, fulfillment services.FulfillmentService) http.Handler {
	r := chi.NewRouter()
	NewPaymentWebhookHandlers(verifier, fulfillment).Routes(r)
	return r
}

func TestPaymentWebhookRecordsOrder(t *testing.T) {
	event := domain.CheckoutEvent{ID: "evt_1", Type: "checkout.session.completed", Session: domain.CheckoutSession{ID: "cs_1"}}
	fulfillment := &stubFulfillment{intake: services.IntakeResult{
		Order:   domain.Order{ID: "cs_1", Status: domain.OrderStatusPending},
		Created: true,
	}}
	router := paymentRouter(stubVerifier{event: event}, fulfillment)

	req := httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body.Bytes())
	require.Equal(t, true, body["received"])
	require.Equal(t, "cs_1", body["orderId"])
	require.Equal(t, "pending", body["status"])
	require.NotContains(t, body, "duplicate")
	require.Len(t, fulfillment.events, 1)
	require.Equal(t, "evt_1", fulfillment.events[0].ID)
}

func TestPaymentWebhookReportsDuplicate(t *testing.T) {
	fulfillment := &stubFulfillment{intake: services.IntakeResult{
		Order: domain.Order{ID: "cs_1", Status: domain.OrderStatusCompleted},
	}}
	router := paymentRouter(stubVerifier{event: domain.CheckoutEvent{Session: domain.CheckoutSession{ID: "cs_1"}}}, fulfillment)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body.Bytes())
	require.Equal(t, true, body["duplicate"])
	require.Equal(t, "completed", body["status"])
}

func TestPaymentWebhookRejections(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{name: "ignored type", err: fmt.Errorf("%w: invoice.paid", payments.ErrIgnoredEvent), body: `{}`, status: http.StatusOK},
		{name: "bad signature", err: payments.ErrInvalidSignature, body: `{}`, status: http.StatusBadRequest, code: "invalid_signature"},
		{name: "malformed", err: payments.ErrMalformedEvent, body: `{}`, status: http.StatusBadRequest, code: "invalid_event"},
		{name: "empty body", body: ``, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fulfillment := &stubFulfillment{}
			router := paymentRouter(stubVerifier{err: tc.err}, fulfillment)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(tc.body)))

			require.Equal(t, tc.status, rec.Code)
			body := decodeBody(t, rec.Body.Bytes())
			if tc.code != "" {
				require.Equal(t, tc.code, body["error"])
			} else {
				require.Equal(t, true, body["ignored"])
			}
			require.Empty(t, fulfillment.events)
		})
	}
}

func TestPaymentWebhookIntakeFailure(t *testing.T) {
	fulfillment := &stubFulfillment{intakeErr: errors.New("firestore unavailable")}
	router := paymentRouter(stubVerifier{event: domain.CheckoutEvent{Session: domain.CheckoutSession{ID: "cs_1"}}}, fulfillment)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/stripe", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

const shippedCallback = `{"topic":"PRINT_JOB_STATUS_CHANGED","data":{"id":901,"external_id":"cs_1","status":{"name":"SHIPPED"},"line_items":[{"tracking_id":"T1"}]}}`

func printRouter(status services.StatusUpdateService, secret string) http.Handler {
	validator := auth.NewBodySignatureValidator(auth.StaticSecrets{PrintWebhookSecret: secret}, "Lulu-HMAC-SHA256", nil, nil)
	r := chi.NewRouter()
	NewPrintWebhookHandlers(status, validator.RequireSignature(PrintWebhookSecret)).Routes(r)
	return r
}

func signedCallback(secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/print/status", strings.NewReader(body))
	req.Header.Set("Lulu-HMAC-SHA256", auth.SignBody(secret, []byte(body)))
	return req
}

func TestPrintWebhookAppliesSignedCallback(t *testing.T) {
	status := &stubStatusUpdates{result: services.StatusUpdateResult{
		Outcome: services.StatusUpdateApplied,
		Order:   domain.Order{ID: "cs_1", Status: domain.OrderStatusCompleted},
		Sent: []domain.NotificationRecord{
			{Status: "SHIPPED", TrackingID: "T1"},
		},
	}}
	router := printRouter(status, "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCallback("s3cret", shippedCallback))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body.Bytes())
	require.Equal(t, "applied", body["outcome"])
	require.Equal(t, []any{"SHIPPED:T1"}, body["sent"])

	require.Len(t, status.callbacks, 1)
	callback := status.callbacks[0]
	require.Equal(t, domain.PrintJobStatusChangedTopic, callback.Topic)
	require.Equal(t, "901", callback.Job.ID)
	require.Equal(t, "cs_1", callback.Job.ExternalID)
	require.Equal(t, shippedCallback, callback.Payload)
}

func TestPrintWebhookRejectsBadSignature(t *testing.T) {
	status := &stubStatusUpdates{}
	router := printRouter(status, "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCallback("other", shippedCallback))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, status.callbacks)
}

func TestPrintWebhookMalformedBody(t *testing.T) {
	status := &stubStatusUpdates{}
	router := printRouter(status, "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCallback("s3cret", `{"data":{}}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_webhook", decodeBody(t, rec.Body.Bytes())["error"])
	require.Empty(t, status.callbacks)
}

func TestPrintWebhookAsksForRedeliveryOnFailure(t *testing.T) {
	status := &stubStatusUpdates{err: errors.New("mail relay down")}
	router := printRouter(status, "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCallback("s3cret", shippedCallback))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "callback_not_applied", decodeBody(t, rec.Body.Bytes())["error"])
}
