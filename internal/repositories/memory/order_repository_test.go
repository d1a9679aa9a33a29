package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCreateOrGetConcurrentDuplicates(t *testing.T) {
	repo := NewOrderRepository(func() time.Time { return baseTime })
	const callers = 32
	var created atomic.Int32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, isNew, err := repo.CreateOrGet(context.Background(), domain.Order{ID: "cs_dup", Status: domain.OrderStatusPending})
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			if isNew {
				created.Add(1)
			}
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one creation, got %d", created.Load())
	}
	for _, id := range ids {
		if id != "cs_dup" {
			t.Fatalf("unexpected id %q", id)
		}
	}
}

func TestClaimNotificationsOnlyOnce(t *testing.T) {
	repo := NewOrderRepository(nil)
	ctx := context.Background()
	if _, _, err := repo.CreateOrGet(ctx, domain.Order{ID: "cs_1", Status: domain.OrderStatusPending}); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	claims := []domain.NotificationRecord{{Status: domain.PrintJobStatusShipped, TrackingID: "T1"}, {Status: domain.PrintJobStatusShipped, TrackingID: "T2"}}

	var total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := repo.ClaimNotifications(ctx, "cs_1", claims)
			if err != nil {
				t.Errorf("ClaimNotifications: %v", err)
			}
			total.Add(int32(len(claimed)))
		}()
	}
	wg.Wait()

	order, _ := repo.Get(ctx, "cs_1")
	if total.Load() != 2 || len(order.NotificationsSent) != 2 {
		t.Fatalf("claimed %d, ledger %v", total.Load(), order.NotificationsSent)
	}
}

func TestClaimDispatchLease(t *testing.T) {
	repo := NewOrderRepository(nil)
	ctx := context.Background()
	_, _, _ = repo.CreateOrGet(ctx, domain.Order{ID: "cs_2", Status: domain.OrderStatusPending})

	_, ok, err := repo.ClaimDispatch(ctx, "cs_2", baseTime, baseTime.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first claim ok=%v err=%v", ok, err)
	}
	if _, ok, _ := repo.ClaimDispatch(ctx, "cs_2", baseTime.Add(30*time.Second), baseTime.Add(2*time.Minute)); ok {
		t.Fatal("lease must block a second claim")
	}
	order, ok, _ := repo.ClaimDispatch(ctx, "cs_2", baseTime.Add(2*time.Minute), baseTime.Add(3*time.Minute))
	if !ok || order.DispatchAttempts != 2 {
		t.Fatalf("expired lease should be reclaimable, ok=%v attempts=%d", ok, order.DispatchAttempts)
	}

	failed := domain.OrderStatusFailed
	_, _ = repo.Update(ctx, "cs_2", domain.OrderUpdate{Status: &failed})
	if _, ok, _ := repo.ClaimDispatch(ctx, "cs_2", baseTime.Add(time.Hour), baseTime.Add(2*time.Hour)); ok {
		t.Fatal("failed orders are not dispatchable")
	}
}

func TestListPaginatesAndFilters(t *testing.T) {
	ctx := context.Background()
	clock := baseTime
	repo := NewOrderRepository(func() time.Time { return clock })
	for i, id := range []string{"cs_a", "cs_b", "cs_c", "cs_d"} {
		clock = baseTime.Add(time.Duration(i) * time.Minute)
		_, _, _ = repo.CreateOrGet(ctx, domain.Order{ID: id, Status: domain.OrderStatusPending})
	}
	shipped := domain.PrintJobStatusShipped
	_, _ = repo.Update(ctx, "cs_b", domain.OrderUpdate{PrintJobStatus: &shipped})

	first, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 3}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first.Items) != 3 || first.Items[0].ID != "cs_d" || first.NextPageToken == "" {
		t.Fatalf("first page = %+v", first)
	}
	second, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 3, PageToken: first.NextPageToken}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != "cs_a" || second.NextPageToken != "" {
		t.Fatalf("second page = %+v", second)
	}

	filtered, _ := repo.List(ctx, domain.OrderListFilter{PrintStatus: shipped})
	if len(filtered.Items) != 1 || filtered.Items[0].ID != "cs_b" {
		t.Fatalf("filtered = %+v", filtered.Items)
	}
	searched, _ := repo.List(ctx, domain.OrderListFilter{Query: "_C"})
	if len(searched.Items) != 1 || searched.Items[0].ID != "cs_c" {
		t.Fatalf("searched = %+v", searched.Items)
	}
}

func TestGetMissing(t *testing.T) {
	repo := NewOrderRepository(nil)
	if _, err := repo.Get(context.Background(), "nope"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListStalePendingSkipsSettledOrders(t *testing.T) {
	repo := NewOrderRepository(func() time.Time { return baseTime })
	ctx := context.Background()
	seed := []domain.Order{
		{ID: "cs_shipping_1", Status: domain.OrderStatusPending, CreatedAt: baseTime.Add(-3 * time.Hour),
			PrintStage: domain.StageOutcome{Status: domain.StageStatusDone}, DigitalStage: domain.StageOutcome{Status: domain.StageStatusNotRequired}},
		{ID: "cs_shipping_2", Status: domain.OrderStatusPending, CreatedAt: baseTime.Add(-2 * time.Hour),
			PrintStage: domain.StageOutcome{Status: domain.StageStatusDone}, DigitalStage: domain.StageOutcome{Status: domain.StageStatusDone}},
		{ID: "cs_stuck", Status: domain.OrderStatusPending, CreatedAt: baseTime.Add(-time.Hour)},
		{ID: "cs_fresh", Status: domain.OrderStatusPending, CreatedAt: baseTime},
		{ID: "cs_failed", Status: domain.OrderStatusFailed, CreatedAt: baseTime.Add(-4 * time.Hour)},
	}
	for _, order := range seed {
		if _, _, err := repo.CreateOrGet(ctx, order); err != nil {
			t.Fatalf("CreateOrGet %s: %v", order.ID, err)
		}
	}

	stale, err := repo.ListStalePending(ctx, baseTime.Add(-time.Minute), 2)
	if err != nil {
		t.Fatalf("ListStalePending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "cs_stuck" {
		t.Fatalf("expected only the stuck order, got %+v", stale)
	}
}
