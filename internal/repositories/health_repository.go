package repositories

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe. A failing Critical probe turns the
// report to error instead of degraded.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

type dependencyHealth struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewDependencyHealthRepository runs checks concurrently, each under its own timeout.
func NewDependencyHealthRepository(checks []DependencyCheck, now func() time.Time) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if check.Name == "" || check.Check == nil {
			return nil, errors.New("health repository: checks need a name and a function")
		}
	}
	if now == nil {
		now = time.Now
	}
	return &dependencyHealth{checks: append([]DependencyCheck(nil), checks...), now: now}, nil
}

func (h *dependencyHealth) Collect(ctx context.Context) (domain.HealthReport, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]domain.HealthCheck, len(h.checks))
		overall = domain.HealthStatusOK
	)
	for _, check := range h.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := h.now()
			err := check.Check(probeCtx)
			result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", CheckedAt: h.now()}
			result.Latency = result.CheckedAt.Sub(start)
			if err == nil {
				err = probeCtx.Err()
			}
			if err != nil {
				result.Status = domain.HealthStatusDegraded
				if check.Critical {
					result.Status = domain.HealthStatusError
				}
				result.Detail = err.Error()
				if errors.Is(err, context.DeadlineExceeded) {
					result.Detail = "timeout"
				}
			}

			mu.Lock()
			defer mu.Unlock()
			results[check.Name] = result
			switch {
			case result.Status == domain.HealthStatusError:
				overall = domain.HealthStatusError
			case result.Status == domain.HealthStatusDegraded && overall == domain.HealthStatusOK:
				overall = domain.HealthStatusDegraded
			}
		}(check)
	}
	wg.Wait()
	return domain.HealthReport{Status: overall, Checks: results, GeneratedAt: h.now()}, nil
}
