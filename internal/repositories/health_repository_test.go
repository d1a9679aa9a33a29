package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

func TestDependencyHealthCollect(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "orders", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "cache", Check: func(context.Context) error { return errors.New("redis: connection refused") }},
		{Name: "slow", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}
	repo, err := NewDependencyHealthRepository(checks, nil)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["orders"].Status != domain.HealthStatusOK {
		t.Fatalf("orders = %+v", report.Checks["orders"])
	}
	if report.Checks["slow"].Detail != "timeout" {
		t.Fatalf("slow = %+v", report.Checks["slow"])
	}
	if report.Checks["cache"].Detail != "redis: connection refused" {
		t.Fatalf("cache = %+v", report.Checks["cache"])
	}
}

func TestDependencyHealthCriticalFailure(t *testing.T) {
	repo, _ := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "orders", Critical: true, Check: func(context.Context) error { return errors.New("down") }},
	}, nil)
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
}

func TestRepositoryErrorHelpers(t *testing.T) {
	err := NotFound("orders.get")
	if !IsNotFound(err) || IsConflict(err) || IsUnavailable(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound in chain")
	}
}
