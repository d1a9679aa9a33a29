package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/printing"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// PrintJobServiceDeps bundles collaborators required to construct the print job service.
type PrintJobServiceDeps struct {
	Orders               repositories.OrderRepository
	Sessions             SessionSource
	Classifier           LineItemClassifier
	Provider             PrintProvider
	Packages             PackageSelector
	Sources              SourceBuilder
	DefaultShippingLevel string
	Clock                func() time.Time
	Logger               Logger
	Metrics              FulfillmentMetrics
}

type printJobService struct {
	orders       repositories.OrderRepository
	sessions     SessionSource
	classifier   LineItemClassifier
	provider     PrintProvider
	packages     PackageSelector
	sources      SourceBuilder
	defaultLevel string
	clock        func() time.Time
	logger       Logger
	metrics      FulfillmentMetrics
}

var _ PrintJobService = (*printJobService)(nil)

// NewPrintJobService assembles the print job orchestrator.
func NewPrintJobService(deps PrintJobServiceDeps) (PrintJobService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("print job service: order repository is required")
	case deps.Sessions == nil:
		return nil, errors.New("print job service: session source is required")
	case deps.Classifier == nil:
		return nil, errors.New("print job service: classifier is required")
	case deps.Provider == nil:
		return nil, errors.New("print job service: print provider is required")
	case deps.Packages == nil:
		return nil, errors.New("print job service: package selector is required")
	case deps.Sources == nil:
		return nil, errors.New("print job service: source builder is required")
	}
	level := strings.ToUpper(strings.TrimSpace(deps.DefaultShippingLevel))
	if level == "" {
		level = domain.DefaultShippingLevel
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
	return &printJobService{
		orders:       deps.Orders,
		sessions:     deps.Sessions,
		classifier:   deps.Classifier,
		provider:     deps.Provider,
		packages:     deps.Packages,
		sources:      deps.Sources,
		defaultLevel: level,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Submit creates one provider job covering every book in the cart. It does not
// touch the order record; callers persist the returned job.
func (s *printJobService) Submit(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) (PrintJob, error) {
	if !cart.HasPhysical() {
		return PrintJob{}, fmt.Errorf("%w: order %s has no books", ErrInvalidInput, orderID)
	}
	if err := checkPreconditions(session, cart); err != nil {
		return PrintJob{}, err
	}
	req, err := s.buildRequest(ctx, orderID, session, cart)
	if err != nil {
		return PrintJob{}, err
	}

	job, err := s.provider.CreatePrintJob(ctx, req)
	if err != nil {
		s.logger(ctx, "print_job.create_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return PrintJob{}, fulfillmentError(CodePrintJobCreateFailed, err)
	}
	if strings.TrimSpace(job.ID) == "" {
		return PrintJob{}, fulfillmentError(CodePrintJobCreateFailed, errors.New("provider returned a job without id"))
	}
	if job.Status.Name == "" {
		job.Status.Name = domain.PrintJobStatusCreated
	}
	s.logger(ctx, "print_job.created", map[string]any{
		"orderId":    orderID,
		"printJobId": job.ID,
		"books":      len(req.LineItems),
		"level":      req.ShippingLevel,
	})
	return job, nil
}

func (s *printJobService) buildRequest(ctx context.Context, orderID string, session CheckoutSession, cart ClassifiedCart) (domain.PrintJobRequest, error) {
	address := *session.ShippingAddress
	if strings.TrimSpace(address.Email) == "" {
		address.Email = session.CustomerEmail
	}
	if strings.TrimSpace(address.Name) == "" {
		address.Name = session.CustomerName
	}

	level := strings.ToUpper(strings.TrimSpace(cart.Shipping.Shipping.Level))
	if level == "" {
		level = s.defaultLevel
	}

	req := domain.PrintJobRequest{
		ExternalID:      orderID,
		ContactEmail:    session.CustomerEmail,
		ShippingAddress: address,
		ShippingLevel:   level,
		LineItems:       make([]domain.PrintJobLineItem, 0, len(cart.Books)),
	}
	for _, line := range cart.Books {
		pkg, err := s.packages.Select(line.Book.Hardcover, line.Book.Color)
		if err != nil {
			return domain.PrintJobRequest{}, fulfillmentError(CodePrintSourceUnavailable, err)
		}
		cover, interior, err := s.sources.Source(ctx, line.Book.Library, line.Book.CoverID)
		if err != nil {
			return domain.PrintJobRequest{}, fulfillmentError(CodePrintSourceUnavailable, err)
		}
		req.LineItems = append(req.LineItems, domain.PrintJobLineItem{
			ExternalID: printing.BookExternalID(line.Book.Library, line.Book.CoverID),
			Title:      line.Item.Title,
			Quantity:   line.Item.Quantity,
			Source: domain.PrintableSource{
				CoverURL:     cover,
				InteriorURL:  interior,
				PodPackageID: pkg,
			},
		})
	}
	return req, nil
}

// Resubmit rebuilds the print job from the original checkout session and
// replaces the stored job. Only a failed print stage qualifies; a completed
// job is never submitted twice.
func (s *printJobService) Resubmit(ctx context.Context, orderID string) (Order, error) {
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
	if order.PrintStage.Status != domain.StageStatusFailed {
		return Order{}, fmt.Errorf("%w: order %s is %s with print stage %q", ErrOrderInvalidState, orderID, order.Status, order.PrintStage.Status)
	}
	if order.DispatchLeaseUntil.After(s.clock()) {
		return Order{}, fmt.Errorf("%w: order %s is being dispatched", ErrOrderInvalidState, orderID)
	}

	session, err := s.sessions.CheckoutSession(ctx, orderID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return Order{}, &FulfillmentError{Code: CodeOriginalEventUnavailable, Stage: StageClassification, Err: err}
		}
		return Order{}, fmt.Errorf("print job service: load session: %w", err)
	}
	items, err := s.classifier.Resolve(ctx, session)
	if err != nil {
		return Order{}, err
	}
	cart, err := s.classifier.Classify(items)
	if err != nil {
		return Order{}, err
	}
	if !cart.HasPhysical() {
		return Order{}, classificationError(CodeNoLineItems, "order %s has no books to print", orderID)
	}

	job, err := s.Submit(ctx, orderID, session, cart)
	now := s.clock()
	if err != nil {
		s.metrics.StageCompleted("print", "failed")
		if _, updateErr := s.orders.Update(ctx, orderID, domain.OrderUpdate{
			PrintStage: &domain.StageOutcome{Status: domain.StageStatusFailed, Error: string(ErrorCodeOf(err)), UpdatedAt: now},
		}); updateErr != nil {
			s.logger(ctx, "print_job.resubmit_record_failed", map[string]any{"orderId": orderID, "error": updateErr.Error()})
		}
		return Order{}, err
	}
	s.metrics.StageCompleted("print", "resubmitted")

	status := domain.PrintJobStatusCreated
	if job.Status.Name != "" {
		status = job.Status.Name
	}
	update := domain.OrderUpdate{
		PrintJobID:            &job.ID,
		PrintJobStatus:        &status,
		PrintJobStatusMessage: &job.Status.Message,
		PrintStage:            &domain.StageOutcome{Status: domain.StageStatusDone, UpdatedAt: now},
	}
	if order.DigitalStage.Status != domain.StageStatusFailed &&
		domain.CanTransitionOrderStatus(order.Status, domain.OrderStatusPending, true) {
		pending := domain.OrderStatusPending
		cleared := ""
		update.Status = &pending
		update.Error = &cleared
		update.StatusResubmission = true
	}
	updated, err := s.orders.Update(ctx, orderID, update)
	if err != nil {
		s.logger(ctx, "print_job.resubmit_record_failed", map[string]any{
			"orderId":    orderID,
			"printJobId": job.ID,
			"error":      err.Error(),
		})
		return Order{}, fmt.Errorf("print job service: record job %s: %w", job.ID, err)
	}
	s.logger(ctx, "print_job.resubmitted", map[string]any{
		"orderId":       orderID,
		"printJobId":    job.ID,
		"previousJobId": order.PrintJobID,
	})
	return updated, nil
}
