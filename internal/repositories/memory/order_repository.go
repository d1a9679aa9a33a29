// Package memory keeps orders in process for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// OrderRepository is a mutex-guarded map implementing repositories.OrderRepository.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	now    func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository builds an empty store. A nil clock uses time.Now.
func NewOrderRepository(now func() time.Time) *OrderRepository {
	if now == nil {
		now = time.Now
	}
	return &OrderRepository{orders: map[string]domain.Order{}, now: now}
}

func (r *OrderRepository) CreateOrGet(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.orders[order.ID]; ok {
		return clone(existing), false, nil
	}
	now := r.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	r.orders[order.ID] = clone(order)
	return clone(order), true, nil
}

func (r *OrderRepository) Get(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.get")
	}
	return clone(order), nil
}

func (r *OrderRepository) Update(_ context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.update")
	}
	update.Apply(&order, r.now().UTC())
	r.orders[orderID] = order
	return clone(order), nil
}

func (r *OrderRepository) ClaimNotifications(_ context.Context, orderID string, records []domain.NotificationRecord) (domain.Order, []domain.NotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, nil, repositories.NotFound("orders.claimNotifications")
	}
	var claimed []domain.NotificationRecord
	for _, record := range records {
		if order.HasNotification(record.Status, record.TrackingID) {
			continue
		}
		order.NotificationsSent = append(order.NotificationsSent, record)
		claimed = append(claimed, record)
	}
	if len(claimed) > 0 {
		order.UpdatedAt = r.now().UTC()
		r.orders[orderID] = order
	}
	return clone(order), claimed, nil
}

func (r *OrderRepository) ClaimDispatch(_ context.Context, orderID string, now, until time.Time) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, false, repositories.NotFound("orders.claimDispatch")
	}
	if order.Status != domain.OrderStatusPending || now.Before(order.DispatchLeaseUntil) {
		return clone(order), false, nil
	}
	order.DispatchLeaseUntil = until
	order.DispatchAttempts++
	order.UpdatedAt = now
	r.orders[orderID] = order
	return clone(order), true, nil
}

func (r *OrderRepository) List(_ context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.Decode(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, &repositories.Error{Op: "orders.list", Err: err}
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	r.mu.Lock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.PrintStatus != "" && order.PrintJobStatus != filter.PrintStatus {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(order.ID), query) {
			continue
		}
		if !cursor.Before(order.CreatedAt, order.ID) {
			continue
		}
		matched = append(matched, clone(order))
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	page := domain.CursorPage[domain.Order]{Items: matched}
	if len(matched) > size {
		page.Items = matched[:size]
		last := page.Items[size-1]
		page.NextPageToken = pagination.Encode(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *OrderRepository) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	var stale []domain.Order
	for _, order := range r.orders {
		if order.Status == domain.OrderStatusPending && order.UpdatedAt.Before(before) && !order.StagesSettled() {
			stale = append(stale, clone(order))
		}
	}
	r.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Ping satisfies readiness checks.
func (r *OrderRepository) Ping(context.Context) error { return nil }

func clone(order domain.Order) domain.Order {
	order.PrintJobStatusHistory = append([]domain.PrintJobStatusEvent(nil), order.PrintJobStatusHistory...)
	order.NotificationsSent = append([]domain.NotificationRecord(nil), order.NotificationsSent...)
	return order
}
