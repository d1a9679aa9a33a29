package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

// RepositoryError categorises persistence failures for services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the durable, idempotent order store. Every backend must
// make CreateOrGet, Update and both Claim operations atomic per order.
type OrderRepository interface {
	// CreateOrGet inserts order unless one with the same id exists, in which
	// case the stored record is returned with created=false.
	CreateOrGet(ctx context.Context, order domain.Order) (stored domain.Order, created bool, err error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	// Update applies a partial update and returns the resulting record.
	Update(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error)
	// ClaimNotifications appends the ledger tuples not yet present and returns
	// only those, so concurrent callers never claim the same tuple twice.
	ClaimNotifications(ctx context.Context, orderID string, records []domain.NotificationRecord) (domain.Order, []domain.NotificationRecord, error)
	// ClaimDispatch takes the dispatch lease until `until` when the order is
	// pending and no live lease exists, incrementing DispatchAttempts.
	ClaimDispatch(ctx context.Context, orderID string, now, until time.Time) (domain.Order, bool, error)
	List(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListStalePending returns pending orders last updated before `before`
	// whose stages still need dispatch work, oldest first. Orders with both
	// stages settled are only awaiting shipment and are left out.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

// HealthRepository runs dependency probes for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError for a conflicting write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a transient backend failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// Error is a backend-neutral RepositoryError used by the memory and SQL stores.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsNotFound() bool { return e.NotFound }

func (e *Error) IsConflict() bool { return e.Conflict }

func (e *Error) IsUnavailable() bool { return e.Unavailable }

// ErrOrderNotFound is wrapped by backends that have no richer cause.
var ErrOrderNotFound = errors.New("order not found")

// NotFound builds a not-found Error for op.
func NotFound(op string) *Error {
	return &Error{Op: op, Err: ErrOrderNotFound, NotFound: true}
}
