// Package printing talks to the print-on-demand provider.
package printing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/circuitbreaker"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
)

const (
	defaultTimeout   = 20 * time.Second
	maxResponseBytes = 1 << 20
	providerName     = "print"
)

var (
	// ErrRejected marks 4xx answers; retrying the same request will not help.
	ErrRejected = errors.New("printing: request rejected by provider")
	// ErrUnavailable marks timeouts, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("printing: provider unavailable")
)

// Logger receives structured diagnostic events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ProviderError carries the provider's HTTP answer.
type ProviderError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("printing: %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *ProviderError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout {
		return ErrRejected
	}
	return ErrUnavailable
}

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL         string
	TokenURL        string
	ClientKey       string
	ClientSecret    string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerReset    time.Duration
	HTTPClient      *http.Client
	Logger          Logger
	Observe         func(provider, operation string, err error, elapsed time.Duration)
	OnBreakerChange func(provider string, open bool)
}

// Client creates print jobs and requests shipping quotes.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  Logger
	observe func(provider, operation string, err error, elapsed time.Duration)
}

// NewClient builds a client. Without a TokenURL requests are sent unauthenticated.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("printing: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: timeout}
	}
	httpClient := base
	if tokenURL := strings.TrimSpace(cfg.TokenURL); tokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientKey,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		httpClient = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	observe := cfg.Observe
	if observe == nil {
		observe = func(string, string, error, time.Duration) {}
	}
	onChange := cfg.OnBreakerChange
	if onChange == nil {
		onChange = func(string, bool) {}
	}

	breaker := circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerReset,
		circuitbreaker.WithFailurePredicate(func(err error) bool { return !errors.Is(err, ErrRejected) }),
		circuitbreaker.WithStateChange(func(state circuitbreaker.State) {
			onChange(providerName, state == circuitbreaker.StateOpen)
		}),
	)

	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		logger:  logger,
		observe: observe,
	}, nil
}

// CreatePrintJob submits one job for the whole order.
func (c *Client) CreatePrintJob(ctx context.Context, req domain.PrintJobRequest) (domain.PrintJob, error) {
	var resp printJobResponse
	if err := c.do(ctx, "create_print_job", http.MethodPost, "/print-jobs/", encodePrintJob(req), &resp); err != nil {
		return domain.PrintJob{}, err
	}
	job := decodePrintJob(resp)
	if job.ID == "" {
		return domain.PrintJob{}, fmt.Errorf("%w: create_print_job: response without id", ErrUnavailable)
	}
	c.logger(ctx, "printing.job.created", map[string]any{
		"externalId": req.ExternalID,
		"printJobId": job.ID,
		"status":     job.Status.Name,
		"lineItems":  len(req.LineItems),
	})
	return job, nil
}

// ShippingQuotes asks for every shipping option the provider offers for the cart.
func (c *Client) ShippingQuotes(ctx context.Context, req domain.ShippingQuoteRequest) ([]domain.ShippingQuote, error) {
	var resp []quotePayload
	if err := c.do(ctx, "shipping_options", http.MethodPost, "/shipping-options/", encodeQuoteRequest(req), &resp); err != nil {
		return nil, err
	}
	return decodeQuotes(resp), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartClientSpan(ctx, "print."+op,
		attribute.String("peer.service", providerName),
		attribute.String("http.method", method),
	)
	started := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		return c.send(ctx, op, method, path, in, out)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	c.observe(providerName, op, err, time.Since(started))
	observability.EndSpan(span, err)
	if err != nil {
		c.logger(ctx, "printing.call.failed", map[string]any{"operation": op, "error": err.Error()})
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("printing: %s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("printing: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Op: op, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, op, err)
	}
	return nil
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
