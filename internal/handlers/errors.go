package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/services"
)

// writeServiceError maps service errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if fe, ok := services.AsFulfillmentError(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_failed", fe.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"code": string(fe.Code), "stage": string(fe.Stage)}))
		return
	}
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "request could not be processed", http.StatusInternalServerError))
	}
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
