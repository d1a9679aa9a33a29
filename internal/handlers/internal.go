package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/services"
)

const maxPushBodySize int64 = 1 << 20

// InternalHandlers serves the queue push endpoint and operator triggers.
// Callers are authenticated by the group middleware (OIDC).
type InternalHandlers struct {
	fulfillment services.FulfillmentService
}

// NewInternalHandlers constructs the internal fulfillment endpoints.
func NewInternalHandlers(fulfillment services.FulfillmentService) *InternalHandlers {
	return &InternalHandlers{fulfillment: fulfillment}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/fulfillment:dispatch", h.dispatch)
	r.Post("/fulfillment:reconcile", h.reconcile)
	r.Post("/fulfillment/orders/{orderID}:process", h.process)
}

// dispatch handles Pub/Sub push deliveries. A message that can never succeed
// is acknowledged so the subscription stops redelivering it.
func (h *InternalHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}
	body, err := httpx.ReadBody(r, maxPushBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	logger := requestctx.Logger(ctx)
	msg, messageID, err := jobs.DecodePushEnvelope(body)
	if err != nil {
		logger.Warn("dropping malformed push envelope", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if msg.Key != "" {
		ctx = requestctx.WithOrderID(ctx, msg.Key)
	}

	err = h.fulfillment.HandleDispatchMessage(ctx, msg.Data)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, services.ErrOrderNotFound):
		logger.Warn("dropping undeliverable dispatch message", zap.String("messageId", messageID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
	default:
		logger.Error("dispatch failed; awaiting redelivery", zap.String("messageId", messageID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("dispatch_failed", "dispatch will be retried", http.StatusInternalServerError))
	}
}

func (h *InternalHandlers) process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	ctx = requestctx.WithOrderID(ctx, orderID)
	if err := h.fulfillment.Fulfill(ctx, orderID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "processed": true})
}

func (h *InternalHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		serviceUnavailable(ctx, w, "fulfillment")
		return
	}
	requeued, err := h.fulfillment.Reconcile(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}
