package services

import (
	"context"
	"errors"
	"testing"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/identity"
)

type stubAccounts struct {
	id    string
	err   error
	calls int
}

func (s *stubAccounts) ResolveAccount(context.Context, string, string) (string, error) {
	s.calls++
	return s.id, s.err
}

func digitalLine(priceID string, option domain.DeliveryOption, quantity int64) domain.DigitalLine {
	return domain.DigitalLine{
		Item:    domain.ResolvedLineItem{PriceID: priceID, Quantity: quantity},
		Digital: domain.DigitalKind{DeliveryOption: option},
	}
}

func TestDigitalDeliveryGrantsEveryUnit(t *testing.T) {
	ids := &fakeIdentity{}
	accounts := &stubAccounts{id: "uid-9"}
	svc, err := NewDigitalDeliveryService(DigitalDeliveryServiceDeps{Identity: ids, Accounts: accounts})
	if err != nil {
		t.Fatalf("NewDigitalDeliveryService: %v", err)
	}

	result, err := svc.Deliver(context.Background(), DigitalDeliveryRequest{
		OrderID: "cs_1",
		Email:   " a@example.com ",
		Items: []domain.DigitalLine{
			digitalLine("price_codes", domain.DeliveryEmailAccessCodes, 3),
			digitalLine("price_acc1", domain.DeliveryApplyToAccount, 1),
			digitalLine("price_acc2", domain.DeliveryApplyToAccount, 1),
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Requested != 5 || result.Delivered != 5 {
		t.Fatalf("unexpected result %+v", result)
	}
	if accounts.calls != 1 {
		t.Fatalf("account should be resolved once, got %d", accounts.calls)
	}
	wantKeys := []string{"cs_1:digital:0:0", "cs_1:digital:0:1", "cs_1:digital:0:2"}
	for i, req := range ids.codes {
		if req.IdempotencyKey != wantKeys[i] || req.Email != "a@example.com" {
			t.Fatalf("code %d: %+v", i, req)
		}
	}
	if ids.grants[1].IdempotencyKey != "cs_1:digital:2:0" || ids.grants[1].AccountID != "uid-9" {
		t.Fatalf("unexpected grant %+v", ids.grants[1])
	}
}

func TestDigitalDeliveryReportsFailures(t *testing.T) {
	ids := &fakeIdentity{failPrice: "price_bad"}
	svc, _ := NewDigitalDeliveryService(DigitalDeliveryServiceDeps{Identity: ids})

	result, err := svc.Deliver(context.Background(), DigitalDeliveryRequest{
		OrderID: "cs_1",
		Email:   "a@example.com",
		Items: []domain.DigitalLine{
			digitalLine("price_ok", domain.DeliveryEmailAccessCodes, 1),
			digitalLine("price_bad", domain.DeliveryEmailAccessCodes, 2),
			digitalLine("price_acc", domain.DeliveryApplyToAccount, 1),
		},
	})
	if ErrorCodeOf(err) != CodeDigitalDeliveryFailed {
		t.Fatalf("expected DIGITAL_DELIVERY_FAILED, got %v", err)
	}
	if result.Requested != 4 || result.Delivered != 1 || len(result.Failures) != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !errors.Is(result.Failures[0].Err, identity.ErrUnavailable) {
		t.Fatalf("unexpected first failure %+v", result.Failures[0])
	}
	// No account id and no resolver: the grant cannot be applied.
	if !errors.Is(result.Failures[2].Err, identity.ErrAccountNotFound) {
		t.Fatalf("unexpected account failure %+v", result.Failures[2])
	}
}

func TestDigitalDeliveryEmptyRequest(t *testing.T) {
	svc, _ := NewDigitalDeliveryService(DigitalDeliveryServiceDeps{Identity: &fakeIdentity{}})
	result, err := svc.Deliver(context.Background(), DigitalDeliveryRequest{OrderID: "cs_1"})
	if err != nil || result.Requested != 0 {
		t.Fatalf("expected no-op, got %+v %v", result, err)
	}
	if _, err := NewDigitalDeliveryService(DigitalDeliveryServiceDeps{}); err == nil {
		t.Fatal("identity client is required")
	}
}
