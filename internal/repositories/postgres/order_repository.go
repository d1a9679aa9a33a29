// Package postgres stores orders in a single jsonb-backed table.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

//go:embed schema.sql
var schema string

const orderColumns = "id, status, customer_email, error, print_job_id, print_job_status, print_job_status_message, " +
	"print_job_status_history, notifications_sent, print_stage, digital_stage, dispatch_attempts, " +
	"dispatch_lease_until, created_at, updated_at"

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// OrderRepository implements repositories.OrderRepository on Postgres.
type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository wraps db. A nil clock uses time.Now.
func NewOrderRepository(db *sql.DB, now func() time.Time) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	if now == nil {
		now = time.Now
	}
	return &OrderRepository{db: db, now: now}, nil
}

// Migrate creates the orders table and its indexes when missing.
func (r *OrderRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *OrderRepository) CreateOrGet(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	now := r.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	history, ledger, printStage, digitalStage, err := encodeJSONColumns(order)
	if err != nil {
		return domain.Order{}, false, wrapError("orders.createOrGet", err)
	}
	row := r.db.QueryRowContext(ctx,
		"INSERT INTO fulfillment_orders ("+orderColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) "+
			"ON CONFLICT (id) DO NOTHING RETURNING "+orderColumns,
		order.ID, string(order.Status), order.CustomerEmail, order.Error,
		order.PrintJobID, order.PrintJobStatus, order.PrintJobStatusMessage,
		history, ledger, printStage, digitalStage, order.DispatchAttempts,
		nullTime(order.DispatchLeaseUntil), order.CreatedAt, order.UpdatedAt,
	)
	stored, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := r.Get(ctx, order.ID)
		return existing, false, err
	}
	if err != nil {
		return domain.Order{}, false, wrapError("orders.createOrGet", err)
	}
	return stored, true, nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM fulfillment_orders WHERE id = $1", orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	return order, nil
}

// assignments collects SET clauses; $1 is always the order id.
type assignments struct {
	sets []string
	args []any
}

func (a *assignments) add(column string, value any) {
	a.args = append(a.args, value)
	a.sets = append(a.sets, fmt.Sprintf("%s = $%d", column, len(a.args)+1))
}

// mutate locks the row, lets fn change the order and writes back the
// columns fn assigns.
func (r *OrderRepository) mutate(ctx context.Context, op, orderID string, fn func(order *domain.Order) (*assignments, error)) (domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM fulfillment_orders WHERE id = $1 FOR UPDATE", orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	set, err := fn(&order)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	if set != nil && len(set.sets) > 0 {
		args := append([]any{orderID}, set.args...)
		query := "UPDATE fulfillment_orders SET " + strings.Join(set.sets, ", ") + " WHERE id = $1"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return domain.Order{}, wrapError(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) Update(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
	now := r.now().UTC()
	return r.mutate(ctx, "orders.update", orderID, func(order *domain.Order) (*assignments, error) {
		update.Apply(order, now)
		return updateAssignments(*order, update)
	})
}

func updateAssignments(order domain.Order, update domain.OrderUpdate) (*assignments, error) {
	set := &assignments{}
	if update.Status != nil {
		set.add("status", string(order.Status))
	}
	if update.CustomerEmail != nil {
		set.add("customer_email", order.CustomerEmail)
	}
	if update.Error != nil {
		set.add("error", order.Error)
	}
	if update.PrintJobID != nil {
		set.add("print_job_id", order.PrintJobID)
	}
	if update.PrintJobStatus != nil {
		set.add("print_job_status", order.PrintJobStatus)
	}
	if update.PrintJobStatusMessage != nil {
		set.add("print_job_status_message", order.PrintJobStatusMessage)
	}
	if update.PrintStage != nil {
		raw, err := json.Marshal(encodeStage(order.PrintStage))
		if err != nil {
			return nil, err
		}
		set.add("print_stage", raw)
	}
	if update.DigitalStage != nil {
		raw, err := json.Marshal(encodeStage(order.DigitalStage))
		if err != nil {
			return nil, err
		}
		set.add("digital_stage", raw)
	}
	if update.DispatchLeaseUntil != nil {
		set.add("dispatch_lease_until", nullTime(order.DispatchLeaseUntil))
	}
	if len(update.AppendStatusHistory) > 0 {
		raw, err := json.Marshal(encodeHistory(update.AppendStatusHistory))
		if err != nil {
			return nil, err
		}
		set.args = append(set.args, raw)
		set.sets = append(set.sets, fmt.Sprintf("print_job_status_history = print_job_status_history || $%d::jsonb", len(set.args)+1))
	}
	if len(update.AppendNotifications)+len(update.RemoveNotifications) > 0 {
		raw, err := json.Marshal(encodeLedger(order.NotificationsSent))
		if err != nil {
			return nil, err
		}
		set.add("notifications_sent", raw)
	}
	if len(set.sets) > 0 {
		set.add("updated_at", order.UpdatedAt)
	}
	return set, nil
}

func (r *OrderRepository) ClaimNotifications(ctx context.Context, orderID string, records []domain.NotificationRecord) (domain.Order, []domain.NotificationRecord, error) {
	var claimed []domain.NotificationRecord
	now := r.now().UTC()
	order, err := r.mutate(ctx, "orders.claimNotifications", orderID, func(order *domain.Order) (*assignments, error) {
		for _, record := range records {
			if order.HasNotification(record.Status, record.TrackingID) {
				continue
			}
			order.NotificationsSent = append(order.NotificationsSent, record)
			claimed = append(claimed, record)
		}
		if len(claimed) == 0 {
			return nil, nil
		}
		raw, err := json.Marshal(encodeLedger(order.NotificationsSent))
		if err != nil {
			return nil, err
		}
		order.UpdatedAt = now
		set := &assignments{}
		set.add("notifications_sent", raw)
		set.add("updated_at", now)
		return set, nil
	})
	if err != nil {
		return domain.Order{}, nil, err
	}
	return order, claimed, nil
}

func (r *OrderRepository) ClaimDispatch(ctx context.Context, orderID string, now, until time.Time) (domain.Order, bool, error) {
	var acquired bool
	order, err := r.mutate(ctx, "orders.claimDispatch", orderID, func(order *domain.Order) (*assignments, error) {
		acquired = order.Status == domain.OrderStatusPending && !now.Before(order.DispatchLeaseUntil)
		if !acquired {
			return nil, nil
		}
		order.DispatchLeaseUntil = until
		order.DispatchAttempts++
		order.UpdatedAt = now
		set := &assignments{}
		set.add("dispatch_lease_until", until)
		set.add("dispatch_attempts", order.DispatchAttempts)
		set.add("updated_at", now)
		return set, nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, acquired, nil
}

// List orders by created_at descending with a keyset cursor; the free-text
// query is a case-insensitive id substring match.
func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var page domain.CursorPage[domain.Order]
	cursor, err := pagination.Decode(filter.Pagination.PageToken)
	if err != nil {
		return page, &repositories.Error{Op: "orders.list", Err: err}
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	var where []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.PrintStatus != "" {
		where = append(where, "print_job_status = "+arg(filter.PrintStatus))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "id ILIKE "+arg("%"+escapeLike(q)+"%"))
	}
	if !cursor.IsZero() {
		where = append(where, "(created_at, id) < ("+arg(cursor.CreatedAt)+", "+arg(cursor.ID)+")")
	}
	query := "SELECT " + orderColumns + " FROM fulfillment_orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(size+1)

	orders, err := r.query(ctx, "orders.list", query, args...)
	if err != nil {
		return page, err
	}
	if len(orders) > size {
		orders = orders[:size]
		last := orders[size-1]
		page.NextPageToken = pagination.Encode(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	page.Items = orders
	return page, nil
}

func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = pagination.MaxPageSize
	}
	return r.query(ctx, "orders.listStalePending",
		"SELECT "+orderColumns+" FROM fulfillment_orders WHERE status = $1 AND updated_at < $2"+
			" AND NOT (COALESCE(print_stage->>'status', '') IN ($3, $4) AND COALESCE(digital_stage->>'status', '') IN ($3, $4))"+
			" ORDER BY updated_at ASC LIMIT $5",
		string(domain.OrderStatusPending), before,
		string(domain.StageStatusDone), string(domain.StageStatusNotRequired), limit)
}

// Ping checks the connection pool.
func (r *OrderRepository) Ping(ctx context.Context) error {
	return wrapError("orders.ping", r.db.PingContext(ctx))
}

func (r *OrderRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, wrapError(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	return orders, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
