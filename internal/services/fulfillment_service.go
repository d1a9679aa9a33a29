package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/notifications"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

const (
	defaultDispatchLease  = 2 * time.Minute
	defaultStaleAfter     = 10 * time.Minute
	defaultReconcileBatch = 50

	stagePrint          = "print"
	stageDigital        = "digital"
	stageClassification = "classification"
)

// IntakeResult reports how a payment event was absorbed.
type IntakeResult struct {
	Order    Order
	Created  bool
	Enqueued bool
}

// DispatchMessage is the queued work item; the order record carries the state.
type DispatchMessage struct {
	OrderID string `json:"orderId"`
}

// FulfillmentServiceDeps bundles collaborators required to construct the orchestrator.
type FulfillmentServiceDeps struct {
	Orders         repositories.OrderRepository
	Sessions       SessionSource
	Classifier     LineItemClassifier
	Print          PrintJobService
	Digital        DigitalDeliveryService
	Notifier       Notifier
	Queue          jobs.Publisher
	DispatchLease  time.Duration
	StaleAfter     time.Duration
	ReconcileBatch int
	Clock          func() time.Time
	Logger         Logger
	Metrics        FulfillmentMetrics
}

type fulfillmentService struct {
	orders     repositories.OrderRepository
	sessions   SessionSource
	classifier LineItemClassifier
	printJobs  PrintJobService
	digital    DigitalDeliveryService
	notifier   Notifier
	queue      jobs.Publisher
	lease      time.Duration
	staleAfter time.Duration
	batch      int
	clock      func() time.Time
	logger     Logger
	metrics    FulfillmentMetrics
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService assembles the top-level orchestrator.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("fulfillment service: order repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("fulfillment service: session source is required")
	case deps.Classifier == nil:
		return nil, errors.New("fulfillment service: classifier is required")
	case deps.Print == nil:
		return nil, errors.New("fulfillment service: print job service is required")
	case deps.Digital == nil:
		return nil, errors.New("fulfillment service: digital delivery service is required")
	case deps.Notifier == nil:
		return nil, errors.New("fulfillment service: notifier is required")
	case deps.Queue == nil:
		return nil, errors.New("fulfillment service: dispatch queue is required")
	}
	lease := deps.DispatchLease
	if lease <= 0 {
		lease = defaultDispatchLease
	}
	staleAfter := deps.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	batch := deps.ReconcileBatch
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	var metrics FulfillmentMetrics = nopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &fulfillmentService{
		orders:     deps.Orders,
		sessions:   deps.Sessions,
		classifier: deps.Classifier,
		printJobs:  deps.Print,
		digital:    deps.Digital,
		notifier:   deps.Notifier,
		queue:      deps.Queue,
		lease:      lease,
		staleAfter: staleAfter,
		batch:      batch,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// HandleCheckoutEvent records the order as pending and enqueues dispatch. The
// order exists before this returns, so concurrent duplicates resolve to it.
func (s *fulfillmentService) HandleCheckoutEvent(ctx context.Context, event CheckoutEvent) (IntakeResult, error) {
	orderID := strings.TrimSpace(event.Session.ID)
	if orderID == "" {
		s.metrics.OrderReceived("rejected")
		return IntakeResult{}, fmt.Errorf("%w: checkout session id is required", ErrInvalidInput)
	}
	now := s.clock()
	stored, created, err := s.orders.CreateOrGet(ctx, domain.Order{
		ID:            orderID,
		Status:        domain.OrderStatusPending,
		CustomerEmail: strings.TrimSpace(event.Session.CustomerEmail),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return IntakeResult{}, fmt.Errorf("fulfillment service: create order: %w", err)
	}
	result := IntakeResult{Order: stored, Created: created}
	switch {
	case created:
		s.metrics.OrderReceived("new")
	case stored.Retryable():
		// A resent event retries an order rejected before any stage ran.
		reopened, err := s.reopen(ctx, stored)
		if err != nil {
			return result, err
		}
		s.metrics.OrderReceived("retried")
		result.Order = reopened
	default:
		s.metrics.OrderReceived("duplicate")
		s.logger(ctx, "fulfillment.duplicate_event", map[string]any{
			"orderId": orderID,
			"eventId": event.ID,
			"status":  string(stored.Status),
		})
		return result, nil
	}

	if err := s.enqueue(ctx, orderID); err != nil {
		s.logger(ctx, "fulfillment.enqueue_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return result, nil
	}
	result.Enqueued = true
	return result, nil
}

func (s *fulfillmentService) enqueue(ctx context.Context, orderID string) error {
	data, err := json.Marshal(DispatchMessage{OrderID: orderID})
	if err != nil {
		return err
	}
	_, err = s.queue.Publish(ctx, jobs.Message{
		Key:        orderID,
		Data:       data,
		Attributes: map[string]string{"orderId": orderID},
	})
	return err
}

// HandleDispatchMessage decodes a queued work item and fulfills it.
func (s *fulfillmentService) HandleDispatchMessage(ctx context.Context, data []byte) error {
	var msg DispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: dispatch message: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(msg.OrderID) == "" {
		return fmt.Errorf("%w: dispatch message without order id", ErrInvalidInput)
	}
	return s.Fulfill(ctx, msg.OrderID)
}

// Fulfill runs every unfinished stage of a pending order under the dispatch
// lease. Terminal failures are recorded on the order and not returned; a
// returned error is transient and the work item should be retried.
func (s *fulfillmentService) Fulfill(ctx context.Context, orderID string) error {
	now := s.clock()
	order, claimed, err := s.orders.ClaimDispatch(ctx, orderID, now, now.Add(s.lease))
	if err != nil {
		if repositories.IsNotFound(err) {
			s.logger(ctx, "fulfillment.unknown_order", map[string]any{"orderId": orderID})
			return nil
		}
		return fmt.Errorf("fulfillment service: claim dispatch: %w", err)
	}
	if !claimed {
		s.logger(ctx, "fulfillment.dispatch_skipped", map[string]any{
			"orderId": orderID,
			"status":  string(order.Status),
		})
		return nil
	}

	session, cart, err := s.prepare(ctx, orderID)
	if err != nil {
		if fe, ok := AsFulfillmentError(err); ok {
			return s.fail(ctx, order, fe)
		}
		s.releaseLease(ctx, orderID)
		return err
	}

	order, err = s.startStages(ctx, order, session, cart)
	if err != nil {
		s.releaseLease(ctx, orderID)
		return err
	}

	var g errgroup.Group
	if runnable(order.PrintStage.Status) && cart.HasPhysical() {
		g.Go(func() error { return s.runPrint(ctx, orderID, session, cart) })
	}
	if runnable(order.DigitalStage.Status) && len(cart.Digital) > 0 {
		g.Go(func() error { return s.runDigital(ctx, orderID, session, cart) })
	}
	if err := g.Wait(); err != nil {
		s.releaseLease(ctx, orderID)
		return err
	}
	return s.finalize(ctx, orderID, session, cart)
}

func runnable(status domain.StageStatus) bool {
	return status == domain.StageStatusNotStarted || status == domain.StageStatusPending
}

// prepare re-reads the checkout session and classifies it. Every check here
// runs before any external side effect.
func (s *fulfillmentService) prepare(ctx context.Context, orderID string) (CheckoutSession, ClassifiedCart, error) {
	session, err := s.sessions.CheckoutSession(ctx, orderID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return CheckoutSession{}, ClassifiedCart{}, &FulfillmentError{Code: CodeOriginalEventUnavailable, Stage: StageClassification, Err: err}
		}
		return CheckoutSession{}, ClassifiedCart{}, fmt.Errorf("fulfillment service: load session: %w", err)
	}
	if strings.TrimSpace(session.CustomerEmail) == "" {
		return CheckoutSession{}, ClassifiedCart{}, classificationError(CodeMissingEmail, "session %s has no customer email", orderID)
	}
	items, err := s.classifier.Resolve(ctx, session)
	if err != nil {
		return CheckoutSession{}, ClassifiedCart{}, err
	}
	cart, err := s.classifier.Classify(items)
	if err != nil {
		return CheckoutSession{}, ClassifiedCart{}, err
	}
	if err := checkPreconditions(session, cart); err != nil {
		return CheckoutSession{}, ClassifiedCart{}, err
	}
	return session, cart, nil
}

// startStages marks which stages this order needs before any provider call.
func (s *fulfillmentService) startStages(ctx context.Context, order Order, session CheckoutSession, cart ClassifiedCart) (Order, error) {
	now := s.clock()
	var update domain.OrderUpdate
	if order.PrintStage.Status == domain.StageStatusNotStarted {
		update.PrintStage = &domain.StageOutcome{Status: initialStage(cart.HasPhysical()), UpdatedAt: now}
	}
	if order.DigitalStage.Status == domain.StageStatusNotStarted {
		update.DigitalStage = &domain.StageOutcome{Status: initialStage(len(cart.Digital) > 0), UpdatedAt: now}
	}
	if order.CustomerEmail == "" {
		email := strings.TrimSpace(session.CustomerEmail)
		update.CustomerEmail = &email
	}
	if update.IsEmpty() {
		return order, nil
	}
	updated, err := s.orders.Update(ctx, order.ID, update)
	if err != nil {
		return Order{}, fmt.Errorf("fulfillment service: start stages: %w", err)
	}
	return updated, nil
}

func initialStage(required bool) domain.StageStatus {
	if required {
		return domain.StageStatusPending
	}
	return domain.StageStatusNotRequired
}

// runPrint records the job id as soon as the provider returns it.
func (s *fulfillmentService) runPrint(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) error {
	job, err := s.printJobs.Submit(ctx, orderID, session, cart)
	now := s.clock()
	if err != nil {
		code := ErrorCodeOf(err)
		if code == "" {
			code = CodePrintJobCreateFailed
		}
		s.metrics.StageCompleted(stagePrint, "failed")
		s.logger(ctx, "fulfillment.print_failed", map[string]any{
			"orderId": orderID,
			"code":    string(code),
			"error":   err.Error(),
		})
		_, err = s.orders.Update(ctx, orderID, domain.OrderUpdate{
			PrintStage: &domain.StageOutcome{Status: domain.StageStatusFailed, Error: string(code), UpdatedAt: now},
		})
		return wrapRecordError(stagePrint, err)
	}

	s.metrics.StageCompleted(stagePrint, "done")
	status := job.Status.Name
	_, err = s.orders.Update(ctx, orderID, domain.OrderUpdate{
		PrintJobID:            &job.ID,
		PrintJobStatus:        &status,
		PrintJobStatusMessage: &job.Status.Message,
		PrintStage:            &domain.StageOutcome{Status: domain.StageStatusDone, UpdatedAt: now},
	})
	if err != nil {
		s.logger(ctx, "fulfillment.print_job_unrecorded", map[string]any{
			"orderId":    orderID,
			"printJobId": job.ID,
			"error":      err.Error(),
		})
	}
	return wrapRecordError(stagePrint, err)
}

func (s *fulfillmentService) runDigital(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) error {
	result, err := s.digital.Deliver(ctx, DigitalDeliveryRequest{
		OrderID:   orderID,
		Email:     session.CustomerEmail,
		AccountID: session.AccountID,
		Items:     cart.Digital,
	})
	now := s.clock()
	outcome := domain.StageOutcome{Status: domain.StageStatusDone, UpdatedAt: now}
	if err != nil {
		code := ErrorCodeOf(err)
		if code == "" {
			code = CodeDigitalDeliveryFailed
		}
		outcome.Status = domain.StageStatusFailed
		outcome.Error = string(code)
		s.metrics.StageCompleted(stageDigital, "failed")
		s.logger(ctx, "fulfillment.digital_failed", map[string]any{
			"orderId":   orderID,
			"delivered": result.Delivered,
			"requested": result.Requested,
			"error":     err.Error(),
		})
	} else {
		s.metrics.StageCompleted(stageDigital, "done")
	}
	_, err = s.orders.Update(ctx, orderID, domain.OrderUpdate{DigitalStage: &outcome})
	return wrapRecordError(stageDigital, err)
}

func wrapRecordError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fulfillment service: record %s stage: %w", stage, err)
}

// finalize derives the order status from the stage outcomes, releases the
// lease and sends the confirmation once both stages are recorded.
func (s *fulfillmentService) finalize(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fulfillment service: reload order: %w", err)
	}

	var released time.Time
	update := domain.OrderUpdate{DispatchLeaseUntil: &released}
	var target domain.OrderStatus
	var code string
	switch {
	case order.PrintStage.Status == domain.StageStatusFailed:
		target, code = domain.OrderStatusFailed, order.PrintStage.Error
	case order.DigitalStage.Status == domain.StageStatusFailed:
		target, code = domain.OrderStatusFailed, order.DigitalStage.Error
	case order.StagesSettled() && !cart.HasPhysical():
		target = domain.OrderStatusCompleted
	}
	if target != "" && target != order.Status && domain.CanTransitionOrderStatus(order.Status, target, false) {
		update.Status = &target
		if target == domain.OrderStatusFailed {
			update.Error = &code
		}
	}
	order, err = s.orders.Update(ctx, orderID, update)
	if err != nil {
		return fmt.Errorf("fulfillment service: finalize: %w", err)
	}
	s.logger(ctx, "fulfillment.dispatched", map[string]any{
		"orderId":      orderID,
		"status":       string(order.Status),
		"printStage":   string(order.PrintStage.Status),
		"digitalStage": string(order.DigitalStage.Status),
		"printJobId":   order.PrintJobID,
	})

	if order.Status == domain.OrderStatusFailed || !order.StagesSettled() {
		return nil
	}
	return s.confirm(ctx, order, session, cart)
}

func (s *fulfillmentService) confirm(ctx context.Context, order Order, session CheckoutSession, cart ClassifiedCart) error {
	record := domain.NotificationRecord{Status: domain.NotificationOrderConfirmed, SentAt: s.clock()}
	_, claimed, err := s.orders.ClaimNotifications(ctx, order.ID, []domain.NotificationRecord{record})
	if err != nil {
		return fmt.Errorf("fulfillment service: claim confirmation: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	err = s.notifier.Notify(ctx, notifications.Notification{
		Kind:         notifications.KindOrderConfirmed,
		OrderID:      order.ID,
		Email:        order.CustomerEmail,
		CustomerName: session.CustomerName,
		HasPhysical:  cart.HasPhysical(),
		HasDigital:   len(cart.Digital) > 0,
	})
	if err != nil {
		if _, releaseErr := s.orders.Update(ctx, order.ID, domain.OrderUpdate{RemoveNotifications: claimed}); releaseErr != nil {
			s.logger(ctx, "fulfillment.release_failed", map[string]any{"orderId": order.ID, "error": releaseErr.Error()})
		}
		return fmt.Errorf("fulfillment service: send confirmation: %w", err)
	}
	return nil
}

// fail records a classification-stage failure. Nothing external happened yet,
// so resending the same payment event after fixing the catalog is safe.
func (s *fulfillmentService) fail(ctx context.Context, order Order, fe *FulfillmentError) error {
	s.metrics.StageCompleted(stageClassification, "failed")
	s.logger(ctx, "fulfillment.rejected", map[string]any{
		"orderId": order.ID,
		"code":    string(fe.Code),
		"error":   fe.Error(),
	})
	var released time.Time
	update := domain.OrderUpdate{DispatchLeaseUntil: &released}
	if domain.CanTransitionOrderStatus(order.Status, domain.OrderStatusFailed, false) {
		failed := domain.OrderStatusFailed
		code := string(fe.Code)
		update.Status = &failed
		update.Error = &code
	}
	if _, err := s.orders.Update(ctx, order.ID, update); err != nil {
		return fmt.Errorf("fulfillment service: record failure: %w", err)
	}
	return nil
}

func (s *fulfillmentService) releaseLease(ctx context.Context, orderID string) {
	var released time.Time
	if _, err := s.orders.Update(ctx, orderID, domain.OrderUpdate{DispatchLeaseUntil: &released}); err != nil {
		s.logger(ctx, "fulfillment.lease_release_failed", map[string]any{"orderId": orderID, "error": err.Error()})
	}
}

// Redispatch enqueues a pending order whose dispatch stalled, or reopens a
// failed order that never reached a stage.
func (s *fulfillmentService) Redispatch(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, err
	}
	if order.Retryable() {
		if order, err = s.reopen(ctx, order); err != nil {
			return Order{}, err
		}
	}
	if order.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, orderID, order.Status)
	}
	if err := s.enqueue(ctx, orderID); err != nil {
		return Order{}, fmt.Errorf("fulfillment service: enqueue: %w", err)
	}
	s.metrics.OrdersRequeued(1)
	return order, nil
}

// reopen returns a failed order to pending. Callers check Retryable first; no
// stage ran, so dispatching again repeats no external side effect.
func (s *fulfillmentService) reopen(ctx context.Context, order Order) (Order, error) {
	pending := domain.OrderStatusPending
	cleared := ""
	reopened, err := s.orders.Update(ctx, order.ID, domain.OrderUpdate{
		Status:             &pending,
		Error:              &cleared,
		StatusResubmission: true,
	})
	if err != nil {
		return Order{}, fmt.Errorf("fulfillment service: reopen order: %w", err)
	}
	if reopened.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, reopened.Status)
	}
	s.logger(ctx, "fulfillment.reopened", map[string]any{
		"orderId":       order.ID,
		"previousError": order.Error,
	})
	return reopened, nil
}

// Reconcile re-enqueues pending orders whose dispatch never finished, which
// covers crashes between intake and dispatch.
func (s *fulfillmentService) Reconcile(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.orders.ListStalePending(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		return 0, fmt.Errorf("fulfillment service: list stale orders: %w", err)
	}
	requeued := 0
	for _, order := range stale {
		if order.StagesSettled() || order.DispatchLeaseUntil.After(now) {
			continue
		}
		if err := s.enqueue(ctx, order.ID); err != nil {
			s.logger(ctx, "fulfillment.requeue_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.metrics.OrdersRequeued(requeued)
		s.logger(ctx, "fulfillment.reconciled", map[string]any{"requeued": requeued, "scanned": len(stale)})
	}
	return requeued, nil
}
