package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/identity"
)

// DigitalDeliveryRequest is the digital part of one order.
type DigitalDeliveryRequest struct {
	OrderID   string
	Email     string
	AccountID string
	Items     []domain.DigitalLine
}

// DigitalDeliveryResult counts deliveries; a unit is one access code or one licence grant.
type DigitalDeliveryResult struct {
	Requested int
	Delivered int
	Failures  []DigitalDeliveryFailure
}

// DigitalDeliveryFailure describes one undelivered item.
type DigitalDeliveryFailure struct {
	PriceID string
	Option  domain.DeliveryOption
	Err     error
}

// DigitalDeliveryServiceDeps bundles collaborators required to construct the service.
type DigitalDeliveryServiceDeps struct {
	Identity IdentityProvider
	Accounts AccountResolver
	Logger   Logger
}

type digitalDeliveryService struct {
	identity IdentityProvider
	accounts AccountResolver
	logger   Logger
}

var _ DigitalDeliveryService = (*digitalDeliveryService)(nil)

// NewDigitalDeliveryService assembles the digital delivery processor. Accounts
// is optional; without it apply_to_account items need the account id from checkout.
func NewDigitalDeliveryService(deps DigitalDeliveryServiceDeps) (DigitalDeliveryService, error) {
	if deps.Identity == nil {
		return nil, errors.New("digital delivery service: identity provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &digitalDeliveryService{identity: deps.Identity, accounts: deps.Accounts, logger: logger}, nil
}

// Deliver grants every item and fails unless all of them succeed. Idempotency
// keys are derived from the order so a re-dispatch does not double-grant.
func (s *digitalDeliveryService) Deliver(ctx context.Context, req DigitalDeliveryRequest) (DigitalDeliveryResult, error) {
	var result DigitalDeliveryResult
	if len(req.Items) == 0 {
		return result, nil
	}
	email := strings.TrimSpace(req.Email)

	var (
		accountID  string
		accountErr error
		resolved   bool
	)
	account := func() (string, error) {
		if !resolved {
			accountID, accountErr = s.resolveAccount(ctx, req.AccountID, email)
			resolved = true
		}
		return accountID, accountErr
	}

	for index, line := range req.Items {
		priceID := line.Item.PriceID
		switch line.Digital.DeliveryOption {
		case domain.DeliveryEmailAccessCodes:
			units := line.Item.Quantity
			if units <= 0 {
				units = 1
			}
			for unit := int64(0); unit < units; unit++ {
				result.Requested++
				err := s.identity.SendAccessCode(ctx, identity.AccessCodeRequest{
					PriceID:        priceID,
					Email:          email,
					IdempotencyKey: deliveryKey(req.OrderID, index, unit),
				})
				s.record(ctx, &result, req.OrderID, line, err)
			}
		case domain.DeliveryApplyToAccount:
			result.Requested++
			id, err := account()
			if err == nil {
				err = s.identity.GrantLicense(ctx, identity.LicenseGrantRequest{
					AccountID:      id,
					PriceID:        priceID,
					IdempotencyKey: deliveryKey(req.OrderID, index, 0),
				})
			}
			s.record(ctx, &result, req.OrderID, line, err)
		default:
			result.Requested++
			s.record(ctx, &result, req.OrderID, line, fmt.Errorf("unsupported delivery option %q", line.Digital.DeliveryOption))
		}
	}

	if len(result.Failures) > 0 {
		first := result.Failures[0]
		return result, fulfillmentError(CodeDigitalDeliveryFailed,
			fmt.Errorf("%d of %d deliveries failed, first %s: %w", len(result.Failures), result.Requested, first.PriceID, first.Err))
	}
	return result, nil
}

func (s *digitalDeliveryService) resolveAccount(ctx context.Context, accountID, email string) (string, error) {
	if s.accounts != nil {
		return s.accounts.ResolveAccount(ctx, accountID, email)
	}
	if id := strings.TrimSpace(accountID); id != "" {
		return id, nil
	}
	return "", identity.ErrAccountNotFound
}

func (s *digitalDeliveryService) record(ctx context.Context, result *DigitalDeliveryResult, orderID string, line domain.DigitalLine, err error) {
	if err == nil {
		result.Delivered++
		return
	}
	result.Failures = append(result.Failures, DigitalDeliveryFailure{PriceID: line.Item.PriceID, Option: line.Digital.DeliveryOption, Err: err})
	s.logger(ctx, "digital_delivery.item_failed", map[string]any{
		"orderId": orderID,
		"priceId": line.Item.PriceID,
		"option":  string(line.Digital.DeliveryOption),
		"error":   err.Error(),
	})
}

func deliveryKey(orderID string, index int, unit int64) string {
	return orderID + ":digital:" + strconv.Itoa(index) + ":" + strconv.FormatInt(unit, 10)
}
