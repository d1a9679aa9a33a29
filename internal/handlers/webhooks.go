package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/printing"
	"github.com/hanko-field/fulfillment/internal/services"
)

const (
	maxWebhookBodySize    int64 = 256 * 1024
	stripeSignatureHeader       = "Stripe-Signature"

	// PrintWebhookSecret names the HMAC secret guarding print callbacks.
	PrintWebhookSecret = "print"
)

// PaymentWebhookHandlers accepts checkout completion events.
type PaymentWebhookHandlers struct {
	verifier    payments.EventVerifier
	fulfillment services.FulfillmentService
}

// NewPaymentWebhookHandlers constructs the payment webhook endpoint.
func NewPaymentWebhookHandlers(verifier payments.EventVerifier, fulfillment services.FulfillmentService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{verifier: verifier, fulfillment: fulfillment}
}

// Routes registers POST /payments/stripe.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

type paymentWebhookResponse struct {
	Received  bool   `json:"received"`
	OrderID   string `json:"orderId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// handleStripe records the order as pending and acknowledges. Dispatch runs
// from the queue, so the provider is answered before any print job exists.
func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.fulfillment == nil {
		serviceUnavailable(ctx, w, "payment_webhook")
		return
	}
	body, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}

	event, err := h.verifier.VerifyEvent(body, r.Header.Get(stripeSignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrIgnoredEvent):
		requestctx.Logger(ctx).Debug("payment event ignored", zap.Error(err))
		httpx.WriteJSON(w, http.StatusOK, paymentWebhookResponse{Received: true, Ignored: true})
		return
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "payment event signature rejected", http.StatusBadRequest))
		return
	case errors.Is(err, payments.ErrMalformedEvent):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "payment event could not be decoded", http.StatusBadRequest))
		return
	default:
		writeServiceError(ctx, w, err)
		return
	}

	ctx = requestctx.WithOrderID(ctx, event.Session.ID)
	result, err := h.fulfillment.HandleCheckoutEvent(ctx, event)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentWebhookResponse{
		Received:  true,
		OrderID:   result.Order.ID,
		Duplicate: !result.Created,
		Status:    string(result.Order.Status),
	})
}

// PrintWebhookHandlers accepts print provider status callbacks.
type PrintWebhookHandlers struct {
	status    services.StatusUpdateService
	signature func(http.Handler) http.Handler
}

// NewPrintWebhookHandlers constructs the print callback endpoint. signature,
// typically auth.BodySignatureValidator.RequireSignature, guards the route.
func NewPrintWebhookHandlers(status services.StatusUpdateService, signature func(http.Handler) http.Handler) *PrintWebhookHandlers {
	return &PrintWebhookHandlers{status: status, signature: signature}
}

// Routes registers POST /print/status.
func (h *PrintWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.signature != nil {
		group = group.With(h.signature)
	}
	group.Post("/print/status", h.handleStatus)
}

type printWebhookResponse struct {
	Outcome string   `json:"outcome"`
	OrderID string   `json:"orderId,omitempty"`
	Status  string   `json:"status,omitempty"`
	Sent    []string `json:"sent,omitempty"`
}

// handleStatus answers 5xx whenever the callback was not fully applied so the
// provider redelivers it; replays are absorbed by the notification ledger.
func (h *PrintWebhookHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.status == nil {
		serviceUnavailable(ctx, w, "print_webhook")
		return
	}
	body, err := httpx.ReadBody(r, maxWebhookBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	webhook, err := printing.DecodeStatusWebhook(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", "print callback could not be decoded", http.StatusBadRequest))
		return
	}

	ctx = requestctx.WithOrderID(ctx, webhook.Job.ExternalID)
	result, err := h.status.HandlePrintJobStatus(ctx, services.PrintJobCallback{
		Topic:   webhook.Topic,
		Job:     webhook.Job,
		Payload: string(body),
	})
	if err != nil {
		requestctx.Logger(ctx).Warn("print callback not applied", zap.String("printJobId", webhook.Job.ID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("callback_not_applied", "print callback will be retried", http.StatusServiceUnavailable))
		return
	}

	resp := printWebhookResponse{
		Outcome: string(result.Outcome),
		OrderID: result.Order.ID,
		Status:  string(result.Order.Status),
	}
	for _, record := range result.Sent {
		resp.Sent = append(resp.Sent, strings.TrimSuffix(record.Status+":"+record.TrackingID, ":"))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
