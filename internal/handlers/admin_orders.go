package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/services"
)

// AdminOrderHandlers exposes the staff order console.
type AdminOrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderAdminService
	idempotency func(http.Handler) http.Handler
}

// AdminOrderOption customises AdminOrderHandlers.
type AdminOrderOption func(*AdminOrderHandlers)

// WithAdminIdempotency guards the mutating endpoints, typically with idempotency.Guard.Middleware.
func WithAdminIdempotency(mw func(http.Handler) http.Handler) AdminOrderOption {
	return func(h *AdminOrderHandlers) { h.idempotency = mw }
}

// NewAdminOrderHandlers constructs admin order handlers guarded by Firebase authentication.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderAdminService, opts ...AdminOrderOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/orders", func(group chi.Router) {
		if h.authn != nil {
			group.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
		}
		group.Get("/", h.listOrders)
		group.Get("/{orderID}", h.getOrder)

		mutating := group
		if h.idempotency != nil {
			mutating = group.With(h.idempotency)
		}
		mutating.Post("/{orderID}:resubmit-print-job", h.resubmitPrintJob)
		mutating.Post("/{orderID}:redispatch", h.redispatch)
	})
}

type stagePayload struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type notificationPayload struct {
	Status     string `json:"status"`
	TrackingID string `json:"trackingId,omitempty"`
	SentAt     string `json:"sentAt,omitempty"`
}

type statusEventPayload struct {
	JobID      string `json:"jobId,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

type orderPayload struct {
	ID                    string                `json:"id"`
	Status                string                `json:"status"`
	CustomerEmail         string                `json:"customerEmail,omitempty"`
	Error                 string                `json:"error,omitempty"`
	PrintJobID            string                `json:"printJobId,omitempty"`
	PrintJobStatus        string                `json:"printJobStatus,omitempty"`
	PrintJobStatusMessage string                `json:"printJobStatusMessage,omitempty"`
	PrintStage            stagePayload          `json:"printStage"`
	DigitalStage          stagePayload          `json:"digitalStage"`
	DispatchAttempts      int                   `json:"dispatchAttempts"`
	NotificationsSent     []notificationPayload `json:"notificationsSent,omitempty"`
	StatusHistory         []statusEventPayload  `json:"statusHistory,omitempty"`
	CreatedAt             string                `json:"createdAt,omitempty"`
	UpdatedAt             string                `json:"updatedAt,omitempty"`
}

type sessionLinePayload struct {
	ProductID string `json:"productId"`
	PriceID   string `json:"priceId"`
	Quantity  int64  `json:"quantity"`
}

type sessionPayload struct {
	ID            string               `json:"id"`
	PaymentStatus string               `json:"paymentStatus,omitempty"`
	CustomerName  string               `json:"customerName,omitempty"`
	Currency      string               `json:"currency,omitempty"`
	AmountTotal   int64                `json:"amountTotal,omitempty"`
	Country       string               `json:"country,omitempty"`
	LineItems     []sessionLinePayload `json:"lineItems"`
}

type orderDetailResponse struct {
	Order   orderPayload    `json:"order"`
	Session *sessionPayload `json:"session,omitempty"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_admin")
		return
	}
	query := r.URL.Query()
	pageSize, err := pagination.ParsePageSize(query.Get("page_size"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
		return
	}
	filter := services.OrderListFilter{
		Status:      domain.OrderStatus(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		PrintStatus: query.Get("print_status"),
		Query:       query.Get("q"),
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderListResponse{Items: make([]orderPayload, 0, len(page.Items)), NextPageToken: page.NextPageToken}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order, false))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_admin")
		return
	}
	detail, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderDetailResponse{Order: buildOrderPayload(detail.Order, true)}
	if detail.Session != nil {
		resp.Session = buildSessionPayload(*detail.Session)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminOrderHandlers) resubmitPrintJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_admin")
		return
	}
	order, err := h.orders.ResubmitPrintJob(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderDetailResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) redispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order_admin")
		return
	}
	order, err := h.orders.Redispatch(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, orderDetailResponse{Order: buildOrderPayload(order, false)})
}

func buildOrderPayload(order domain.Order, detailed bool) orderPayload {
	payload := orderPayload{
		ID:                    order.ID,
		Status:                string(order.Status),
		CustomerEmail:         order.CustomerEmail,
		Error:                 order.Error,
		PrintJobID:            order.PrintJobID,
		PrintJobStatus:        order.PrintJobStatus,
		PrintJobStatusMessage: order.PrintJobStatusMessage,
		PrintStage:            buildStagePayload(order.PrintStage),
		DigitalStage:          buildStagePayload(order.DigitalStage),
		DispatchAttempts:      order.DispatchAttempts,
		CreatedAt:             formatTime(order.CreatedAt),
		UpdatedAt:             formatTime(order.UpdatedAt),
	}
	if !detailed {
		return payload
	}
	for _, record := range order.NotificationsSent {
		payload.NotificationsSent = append(payload.NotificationsSent, notificationPayload{
			Status:     record.Status,
			TrackingID: record.TrackingID,
			SentAt:     formatTime(record.SentAt),
		})
	}
	for _, event := range order.PrintJobStatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusEventPayload{
			JobID:      event.JobID,
			Status:     event.Status,
			Message:    event.Message,
			ReceivedAt: formatTime(event.ReceivedAt),
		})
	}
	return payload
}

func buildStagePayload(stage domain.StageOutcome) stagePayload {
	status := string(stage.Status)
	if status == "" {
		status = "not_started"
	}
	return stagePayload{Status: status, Error: stage.Error, UpdatedAt: formatTime(stage.UpdatedAt)}
}

func buildSessionPayload(session domain.CheckoutSession) *sessionPayload {
	payload := &sessionPayload{
		ID:            session.ID,
		PaymentStatus: session.PaymentStatus,
		CustomerName:  session.CustomerName,
		Currency:      strings.ToUpper(session.Currency),
		AmountTotal:   session.AmountTotal,
		LineItems:     make([]sessionLinePayload, 0, len(session.LineItems)),
	}
	if session.ShippingAddress != nil {
		payload.Country = session.ShippingAddress.CountryCode
	}
	for _, item := range session.LineItems {
		payload.LineItems = append(payload.LineItems, sessionLinePayload{
			ProductID: item.ProductID,
			PriceID:   item.PriceID,
			Quantity:  item.Quantity,
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
