package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

type stubHealthRepository struct {
	report domain.HealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.HealthReport{
			Checks: map[string]domain.HealthCheck{
				"orders": {Status: domain.HealthStatusOK},
				"cache":  {Status: domain.HealthStatusDegraded},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.2.3",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "1.2.3" || report.CommitSHA != "abc123" || report.Environment != "prod" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Fatalf("expected uptime 5m, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated at %s, got %s", now, report.GeneratedAt)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportPropagatesErrors(t *testing.T) {
	repo := &stubHealthRepository{err: errors.New("boom")}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if repo.calls != 1 {
		t.Fatalf("expected one collect call, got %d", repo.calls)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected missing repository to fail")
	}
}
