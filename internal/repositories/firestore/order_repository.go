package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/hanko-field/fulfillment/internal/domain"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/pagination"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const defaultOrdersCollection = "fulfillmentOrders"

// OrderRepository stores one document per checkout session id.
type OrderRepository struct {
	provider   *pfirestore.Provider
	collection string
	now        func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository binds the repository to collection.
func NewOrderRepository(provider *pfirestore.Provider, collection string) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultOrdersCollection
	}
	return &OrderRepository{provider: provider, collection: collection, now: time.Now}, nil
}

func (r *OrderRepository) coll(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.client", err)
	}
	return client.Collection(r.collection), nil
}

// CreateOrGet relies on Create failing with AlreadyExists for a duplicate id.
func (r *OrderRepository) CreateOrGet(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return domain.Order{}, false, err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	ref := coll.Doc(order.ID)
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		if !pfirestore.IsAlreadyExists(err) {
			return domain.Order{}, false, pfirestore.WrapError("orders.create", err)
		}
		existing, getErr := r.get(ctx, ref)
		return existing, false, getErr
	}
	return order, true, nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	return r.get(ctx, coll.Doc(orderID))
}

func (r *OrderRepository) get(ctx context.Context, ref *firestore.DocumentRef) (domain.Order, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeSnapshot(snap)
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.decode", err)
	}
	return decodeOrder(snap.Ref.ID, doc), nil
}

// mutate reads the order inside a transaction, lets fn change it and writes
// back only the paths fn reports.
func (r *OrderRepository) mutate(ctx context.Context, op, orderID string, fn func(order *domain.Order) []firestore.Update) (domain.Order, error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	ref := coll.Doc(orderID)
	var result domain.Order
	err = r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		order, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		updates := fn(&order)
		result = order
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(ref, updates)
	})
	return result, err
}

func (r *OrderRepository) Update(ctx context.Context, orderID string, update domain.OrderUpdate) (domain.Order, error) {
	now := r.now().UTC()
	return r.mutate(ctx, "orders.update", orderID, func(order *domain.Order) []firestore.Update {
		update.Apply(order, now)
		return updatePaths(*order, update)
	})
}

func updatePaths(order domain.Order, update domain.OrderUpdate) []firestore.Update {
	var paths []firestore.Update
	set := func(path string, changed bool, value any) {
		if changed {
			paths = append(paths, firestore.Update{Path: path, Value: value})
		}
	}
	set("status", update.Status != nil, string(order.Status))
	set("customerEmail", update.CustomerEmail != nil, order.CustomerEmail)
	set("error", update.Error != nil, order.Error)
	set("printJobId", update.PrintJobID != nil, order.PrintJobID)
	set("printJobStatus", update.PrintJobStatus != nil, order.PrintJobStatus)
	set("printJobStatusMessage", update.PrintJobStatusMessage != nil, order.PrintJobStatusMessage)
	set("printStage", update.PrintStage != nil, encodeStage(order.PrintStage))
	set("digitalStage", update.DigitalStage != nil, encodeStage(order.DigitalStage))
	set("dispatchLeaseUntil", update.DispatchLeaseUntil != nil, order.DispatchLeaseUntil)
	set("printJobStatusHistory", len(update.AppendStatusHistory) > 0, encodeHistory(order.PrintJobStatusHistory))
	set("notificationsSent", len(update.AppendNotifications)+len(update.RemoveNotifications) > 0, encodeLedger(order.NotificationsSent))
	if len(paths) > 0 {
		paths = append(paths, firestore.Update{Path: "updatedAt", Value: order.UpdatedAt})
	}
	return paths
}

func (r *OrderRepository) ClaimNotifications(ctx context.Context, orderID string, records []domain.NotificationRecord) (domain.Order, []domain.NotificationRecord, error) {
	var claimed []domain.NotificationRecord
	now := r.now().UTC()
	order, err := r.mutate(ctx, "orders.claimNotifications", orderID, func(order *domain.Order) []firestore.Update {
		// The transaction body may run more than once.
		claimed = claimed[:0]
		for _, record := range records {
			if order.HasNotification(record.Status, record.TrackingID) {
				continue
			}
			order.NotificationsSent = append(order.NotificationsSent, record)
			claimed = append(claimed, record)
		}
		if len(claimed) == 0 {
			return nil
		}
		order.UpdatedAt = now
		return []firestore.Update{
			{Path: "notificationsSent", Value: encodeLedger(order.NotificationsSent)},
			{Path: "updatedAt", Value: now},
		}
	})
	if err != nil {
		return domain.Order{}, nil, err
	}
	return order, claimed, nil
}

func (r *OrderRepository) ClaimDispatch(ctx context.Context, orderID string, now, until time.Time) (domain.Order, bool, error) {
	var acquired bool
	order, err := r.mutate(ctx, "orders.claimDispatch", orderID, func(order *domain.Order) []firestore.Update {
		acquired = order.Status == domain.OrderStatusPending && !now.Before(order.DispatchLeaseUntil)
		if !acquired {
			return nil
		}
		order.DispatchLeaseUntil = until
		order.DispatchAttempts++
		order.UpdatedAt = now
		return []firestore.Update{
			{Path: "dispatchLeaseUntil", Value: until},
			{Path: "dispatchAttempts", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: now},
		}
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, acquired, nil
}

// List orders by createdAt descending. A free-text query is an id prefix
// search; status filters are then applied to the matched page.
func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var page domain.CursorPage[domain.Order]
	coll, err := r.coll(ctx)
	if err != nil {
		return page, err
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	if prefix := strings.TrimSpace(filter.Query); prefix != "" {
		query := coll.Where(firestore.DocumentID, ">=", coll.Doc(prefix)).
			Where(firestore.DocumentID, "<", coll.Doc(prefix+"\uf8ff")).
			OrderBy(firestore.DocumentID, firestore.Asc).
			Limit(size)
		orders, err := collect(ctx, query)
		if err != nil {
			return page, err
		}
		for _, order := range orders {
			if filter.Status != "" && order.Status != filter.Status {
				continue
			}
			if filter.PrintStatus != "" && order.PrintJobStatus != filter.PrintStatus {
				continue
			}
			page.Items = append(page.Items, order)
		}
		return page, nil
	}

	cursor, err := pagination.Decode(filter.Pagination.PageToken)
	if err != nil {
		return page, &repositories.Error{Op: "orders.list", Err: err}
	}
	query := coll.Query
	if filter.Status != "" {
		query = query.Where("status", "==", string(filter.Status))
	}
	if filter.PrintStatus != "" {
		query = query.Where("printJobStatus", "==", filter.PrintStatus)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, coll.Doc(cursor.ID))
	}
	orders, err := collect(ctx, query.Limit(size+1))
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
	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}
	// Firestore cannot express "either stage unsettled", so settled orders are
	// skipped while streaming until the batch is full.
	query := coll.Where("status", "==", string(domain.OrderStatusPending)).
		Where("updatedAt", "<", before).
		OrderBy("updatedAt", firestore.Asc)
	iter := query.Documents(ctx)
	defer iter.Stop()
	var orders []domain.Order
	for limit <= 0 || len(orders) < limit {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.listStalePending", err)
		}
		order, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if order.StagesSettled() {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Ping reads at most one document to prove the backend answers.
func (r *OrderRepository) Ping(ctx context.Context) error {
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Limit(1).Documents(ctx).GetAll()
	return pfirestore.WrapError("orders.ping", err)
}

func collect(ctx context.Context, query firestore.Query) ([]domain.Order, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()
	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return orders, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.query", err)
		}
		order, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
}
