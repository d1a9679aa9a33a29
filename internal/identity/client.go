// Package identity grants digital licences and access codes through the
// identity service and resolves customer accounts.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/hanko-field/fulfillment/internal/platform/circuitbreaker"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
)

const (
	defaultTimeout  = 10 * time.Second
	serviceTokenTTL = 5 * time.Minute
	providerName    = "identity"
)

var (
	// ErrRejected marks 4xx answers.
	ErrRejected = errors.New("identity: request rejected")
	// ErrUnavailable marks timeouts, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("identity: service unavailable")
)

// Logger receives structured diagnostic events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// AccessCodeRequest mints an access code for a price and emails it.
type AccessCodeRequest struct {
	PriceID        string
	Email          string
	IdempotencyKey string
}

// LicenseGrantRequest applies a licence directly to an account.
type LicenseGrantRequest struct {
	AccountID      string
	PriceID        string
	IdempotencyKey string
}

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL         string
	SigningSecret   string
	Issuer          string
	Audience        string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures int
	BreakerReset    time.Duration
	HTTPClient      *http.Client
	Clock           func() time.Time
	Logger          Logger
	Observe         func(provider, operation string, err error, elapsed time.Duration)
	OnBreakerChange func(provider string, open bool)
}

// Client calls the identity service with a short-lived HS256 service token.
type Client struct {
	baseURL  string
	secret   []byte
	issuer   string
	audience string
	timeout  time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	clock    func() time.Time
	logger   Logger
	observe  func(provider, operation string, err error, elapsed time.Duration)
}

// NewClient validates the configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity: base url is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("identity: signing secret is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
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
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "fulfillment"
	}

	breaker := circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerReset,
		circuitbreaker.WithFailurePredicate(func(err error) bool { return !errors.Is(err, ErrRejected) }),
		circuitbreaker.WithStateChange(func(state circuitbreaker.State) {
			onChange(providerName, state == circuitbreaker.StateOpen)
		}),
	)

	return &Client{
		baseURL:  baseURL,
		secret:   []byte(cfg.SigningSecret),
		issuer:   issuer,
		audience: strings.TrimSpace(cfg.Audience),
		timeout:  timeout,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  breaker,
		clock:    clock,
		logger:   logger,
		observe:  observe,
	}, nil
}

// SendAccessCode asks the service to mint an access code and email it.
func (c *Client) SendAccessCode(ctx context.Context, req AccessCodeRequest) error {
	if strings.TrimSpace(req.PriceID) == "" || strings.TrimSpace(req.Email) == "" {
		return fmt.Errorf("%w: price id and email are required", ErrRejected)
	}
	body := map[string]any{
		"price_id":   req.PriceID,
		"email":      req.Email,
		"send_email": true,
	}
	return c.do(ctx, "send_access_code", "/v1/access-codes", req.IdempotencyKey, body)
}

// GrantLicense applies the licence for a price directly to an account.
func (c *Client) GrantLicense(ctx context.Context, req LicenseGrantRequest) error {
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.PriceID) == "" {
		return fmt.Errorf("%w: account id and price id are required", ErrRejected)
	}
	path := "/v1/accounts/" + url.PathEscape(req.AccountID) + "/licenses"
	return c.do(ctx, "grant_license", path, req.IdempotencyKey, map[string]any{"price_id": req.PriceID})
}

func (c *Client) serviceToken() (string, error) {
	now := c.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
		ID:        ulid.Make().String(),
	}
	if c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Client) do(ctx context.Context, op, path, idempotencyKey string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartClientSpan(ctx, "identity."+op, attribute.String("peer.service", providerName))
	started := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
		return c.send(ctx, op, path, idempotencyKey, payload)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	c.observe(providerName, op, err, time.Since(started))
	observability.EndSpan(span, err)
	if err != nil {
		c.logger(ctx, "identity.call.failed", map[string]any{"operation": op, "error": err.Error()})
	}
	return err
}

func (c *Client) send(ctx context.Context, op, path, idempotencyKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("identity: %s: encode: %w", op, err)
	}
	token, err := c.serviceToken()
	if err != nil {
		return fmt.Errorf("identity: %s: sign token: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, op, resp.StatusCode, strings.TrimSpace(string(raw)))
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}
