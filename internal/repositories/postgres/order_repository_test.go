package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

var columnNames = []string{
	"id", "status", "customer_email", "error", "print_job_id", "print_job_status", "print_job_status_message",
	"print_job_status_history", "notifications_sent", "print_stage", "digital_stage", "dispatch_attempts",
	"dispatch_lease_until", "created_at", "updated_at",
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockRepository(t *testing.T) (*OrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo, err := NewOrderRepository(db, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("NewOrderRepository: %v", err)
	}
	return repo, mock
}

func orderRow(rows *sqlmock.Rows, id, ledger string, created time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "pending", "a@example.com", "", "", "", "",
		[]byte("[]"), []byte(ledger), []byte(`{"status":""}`), []byte("{}"), 0,
		nil, created, created)
}

func TestCreateOrGetInsertsNewOrder(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`INSERT INTO fulfillment_orders .* ON CONFLICT \(id\) DO NOTHING RETURNING`).
		WithArgs("cs_1", "pending", "a@example.com", "", "", "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 0,
			sqlmock.AnyArg(), fixedNow, fixedNow).
		WillReturnRows(orderRow(sqlmock.NewRows(columnNames), "cs_1", "[]", fixedNow))

	order, created, err := repo.CreateOrGet(context.Background(), domain.Order{ID: "cs_1", CustomerEmail: "a@example.com"})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created || order.ID != "cs_1" || order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected result created=%v order=%+v", created, order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestCreateOrGetReturnsExistingOnConflict(t *testing.T) {
	repo, mock := newMockRepository(t)
	earlier := fixedNow.Add(-time.Hour)
	mock.ExpectQuery(`INSERT INTO fulfillment_orders`).WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(`SELECT .* FROM fulfillment_orders WHERE id = \$1`).
		WithArgs("cs_1").
		WillReturnRows(orderRow(sqlmock.NewRows(columnNames), "cs_1", `[{"status":"ORDER_CONFIRMED","sentAt":"2026-03-01T09:00:00Z"}]`, earlier))

	order, created, err := repo.CreateOrGet(context.Background(), domain.Order{ID: "cs_1"})
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if created {
		t.Fatal("expected existing order")
	}
	if !order.CreatedAt.Equal(earlier) || !order.HasNotification(domain.NotificationOrderConfirmed, "") {
		t.Fatalf("unexpected stored order %+v", order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestUpdateWritesOnlyChangedColumns(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM fulfillment_orders WHERE id = \$1 FOR UPDATE`).
		WithArgs("cs_1").
		WillReturnRows(orderRow(sqlmock.NewRows(columnNames), "cs_1", "[]", fixedNow))
	mock.ExpectExec(`UPDATE fulfillment_orders SET print_job_id = \$2, print_job_status = \$3, print_job_status_history = print_job_status_history \|\| \$4::jsonb, updated_at = \$5 WHERE id = \$1`).
		WithArgs("cs_1", "job-1", "CREATED", sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	jobID, status := "job-1", domain.PrintJobStatusCreated
	order, err := repo.Update(context.Background(), "cs_1", domain.OrderUpdate{
		PrintJobID:          &jobID,
		PrintJobStatus:      &status,
		AppendStatusHistory: []domain.PrintJobStatusEvent{{JobID: jobID, Status: status, Payload: "{}"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if order.PrintJobID != "job-1" || len(order.PrintJobStatusHistory) != 1 {
		t.Fatalf("unexpected order %+v", order)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestUpdateKeepsCompletedStatusReadInTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)
	rows := sqlmock.NewRows(columnNames).AddRow("cs_1", "completed", "a@example.com", "", "job-1", "SHIPPED", "",
		[]byte("[]"), []byte("[]"), []byte(`{"status":"done"}`), []byte(`{"status":"not_required"}`), 1,
		nil, fixedNow, fixedNow)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM fulfillment_orders WHERE id = \$1 FOR UPDATE`).
		WithArgs("cs_1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE fulfillment_orders SET status = \$2, error = \$3, updated_at = \$4 WHERE id = \$1`).
		WithArgs("cs_1", "completed", "", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	failed := domain.OrderStatusFailed
	code := "DIGITAL_DELIVERY_FAILED"
	order, err := repo.Update(context.Background(), "cs_1", domain.OrderUpdate{Status: &failed, Error: &code})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted || order.Error != "" {
		t.Fatalf("completed must be absorbing, got %s %q", order.Status, order.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestClaimNotificationsSkipsRecordedTuples(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("cs_1").
		WillReturnRows(orderRow(sqlmock.NewRows(columnNames), "cs_1", `[{"status":"SHIPPED","trackingId":"T1"}]`, fixedNow))
	mock.ExpectExec(`UPDATE fulfillment_orders SET notifications_sent = \$2, updated_at = \$3 WHERE id = \$1`).
		WithArgs("cs_1", sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	records := []domain.NotificationRecord{
		{Status: domain.PrintJobStatusShipped, TrackingID: "T1"},
		{Status: domain.PrintJobStatusShipped, TrackingID: "T2"},
	}
	order, claimed, err := repo.ClaimNotifications(context.Background(), "cs_1", records)
	if err != nil {
		t.Fatalf("ClaimNotifications: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TrackingID != "T2" {
		t.Fatalf("expected only T2 claimed, got %+v", claimed)
	}
	if len(order.NotificationsSent) != 2 {
		t.Fatalf("expected two ledger entries, got %+v", order.NotificationsSent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestClaimDispatchRefusesLiveLease(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("cs_1").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow("cs_1", "pending", "", "", "", "", "",
			[]byte("[]"), []byte("[]"), []byte("{}"), []byte("{}"), 1,
			fixedNow.Add(time.Minute), fixedNow, fixedNow))
	mock.ExpectCommit()

	_, acquired, err := repo.ClaimDispatch(context.Background(), "cs_1", fixedNow, fixedNow.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("ClaimDispatch: %v", err)
	}
	if acquired {
		t.Fatal("lease must not be granted while another is live")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetMissingOrder(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(`SELECT .* FROM fulfillment_orders WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListUsesKeysetPagination(t *testing.T) {
	repo, mock := newMockRepository(t)
	rows := sqlmock.NewRows(columnNames)
	orderRow(rows, "cs_3", "[]", fixedNow)
	orderRow(rows, "cs_2", "[]", fixedNow.Add(-time.Minute))
	orderRow(rows, "cs_1", "[]", fixedNow.Add(-2*time.Minute))
	mock.ExpectQuery(`WHERE status = \$1 AND id ILIKE \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("pending", `%cs\_%`, 3).
		WillReturnRows(rows)

	page, err := repo.List(context.Background(), domain.OrderListFilter{
		Status:     domain.OrderStatusPending,
		Query:      "cs_",
		Pagination: domain.Pagination{PageSize: 2},
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 || page.NextPageToken == "" {
		t.Fatalf("unexpected page %+v", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestListStalePendingExcludesSettledStages(t *testing.T) {
	repo, mock := newMockRepository(t)
	before := fixedNow.Add(-15 * time.Minute)
	rows := sqlmock.NewRows(columnNames)
	orderRow(rows, "cs_stuck", "[]", fixedNow.Add(-time.Hour))
	mock.ExpectQuery(`WHERE status = \$1 AND updated_at < \$2 AND NOT \(COALESCE\(print_stage->>'status', ''\) IN \(\$3, \$4\) AND COALESCE\(digital_stage->>'status', ''\) IN \(\$3, \$4\)\) ORDER BY updated_at ASC LIMIT \$5`).
		WithArgs("pending", before, "done", "not_required", 10).
		WillReturnRows(rows)

	stale, err := repo.ListStalePending(context.Background(), before, 10)
	if err != nil {
		t.Fatalf("ListStalePending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "cs_stuck" {
		t.Fatalf("unexpected orders %+v", stale)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: "conflict"},
		{name: "serialization", err: &pq.Error{Code: "40001"}, want: "conflict"},
		{name: "connection", err: &pq.Error{Code: "08006"}, want: "unavailable"},
		{name: "no rows", err: sql.ErrNoRows, want: "not_found"},
		{name: "deadline", err: context.DeadlineExceeded, want: "unavailable"},
		{name: "syntax", err: &pq.Error{Code: "42601"}, want: "other"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := wrapError("op", tc.err)
			got := "other"
			switch {
			case repositories.IsNotFound(err):
				got = "not_found"
			case repositories.IsConflict(err):
				got = "conflict"
			case repositories.IsUnavailable(err):
				got = "unavailable"
			}
			if got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
	if err := wrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled passthrough, got %v", err)
	}
}
