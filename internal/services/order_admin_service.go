package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// OrderDetail is one order with the payment session it was created from.
// Session is nil when the payment provider no longer has it.
type OrderDetail struct {
	Order   Order
	Session *CheckoutSession
}

// OrderAdminServiceDeps bundles collaborators required to construct the admin service.
type OrderAdminServiceDeps struct {
	Orders      repositories.OrderRepository
	Sessions    SessionSource
	Print       PrintJobService
	Fulfillment FulfillmentService
	Logger      Logger
}

type orderAdminService struct {
	orders      repositories.OrderRepository
	sessions    SessionSource
	printJobs   PrintJobService
	fulfillment FulfillmentService
	logger      Logger
}

var _ OrderAdminService = (*orderAdminService)(nil)

// NewOrderAdminService assembles the staff order console service.
func NewOrderAdminService(deps OrderAdminServiceDeps) (OrderAdminService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order admin service: order repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("order admin service: session source is required")
	case deps.Print == nil:
		return nil, errors.New("order admin service: print job service is required")
	case deps.Fulfillment == nil:
		return nil, errors.New("order admin service: fulfillment service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &orderAdminService{
		orders:      deps.Orders,
		sessions:    deps.Sessions,
		printJobs:   deps.Print,
		fulfillment: deps.Fulfillment,
		logger:      logger,
	}, nil
}

func (s *orderAdminService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	switch filter.Status {
	case "", domain.OrderStatusPending, domain.OrderStatusCompleted, domain.OrderStatusFailed:
	default:
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	filter.PrintStatus = strings.ToUpper(strings.TrimSpace(filter.PrintStatus))
	filter.Query = strings.TrimSpace(filter.Query)
	if filter.Pagination.PageSize <= 0 {
		filter.Pagination.PageSize = pagination.DefaultPageSize
	}
	if filter.Pagination.PageSize > pagination.MaxPageSize {
		filter.Pagination.PageSize = pagination.MaxPageSize
	}
	if filter.Pagination.PageToken != "" {
		if _, err := pagination.Decode(filter.Pagination.PageToken); err != nil {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return s.orders.List(ctx, filter)
}

func (s *orderAdminService) GetOrder(ctx context.Context, orderID string) (OrderDetail, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderDetail{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return OrderDetail{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return OrderDetail{}, err
	}
	detail := OrderDetail{Order: order}
	session, err := s.sessions.CheckoutSession(ctx, orderID)
	switch {
	case err == nil:
		detail.Session = &session
	case errors.Is(err, payments.ErrNotFound):
	default:
		s.logger(ctx, "admin.session_lookup_failed", map[string]any{"orderId": orderID, "error": err.Error()})
	}
	return detail, nil
}

func (s *orderAdminService) ResubmitPrintJob(ctx context.Context, orderID string) (Order, error) {
	order, err := s.printJobs.Resubmit(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	s.logger(ctx, "admin.print_job_resubmitted", map[string]any{"orderId": order.ID, "printJobId": order.PrintJobID})
	return order, nil
}

func (s *orderAdminService) Redispatch(ctx context.Context, orderID string) (Order, error) {
	return s.fulfillment.Redispatch(ctx, orderID)
}
