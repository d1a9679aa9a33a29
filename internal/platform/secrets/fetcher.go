package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultFallbackFile = ".secrets.local"

var (
	// ErrNotFound is returned when neither Secret Manager nor the fallback file knows the secret.
	ErrNotFound = errors.New("secrets: not found")
	// ErrInvalidReference is returned for references that are not secret://name[#version].
	ErrInvalidReference = errors.New("secrets: invalid reference")
)

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references through Secret Manager, caching values for
// the process lifetime and falling back to a local KEY=VALUE file outside production.
type Fetcher struct {
	client       accessClient
	ownsClient   bool
	projectID    string
	fallbackPath string
	allowLocal   bool
	cacheTTL     time.Duration
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]cached
	local map[string]string

	lookups metric.Int64Counter
}

type cached struct {
	value     string
	fetchedAt time.Time
}

type settings struct {
	client       accessClient
	clientOpts   []option.ClientOption
	fallbackPath string
	allowLocal   bool
	cacheTTL     time.Duration
	now          func() time.Time
}

// Option configures NewFetcher.
type Option func(*settings)

// WithClient injects a Secret Manager client.
func WithClient(client accessClient) Option { return func(s *settings) { s.client = client } }

// WithClientOptions passes options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithFallbackFile enables the local fallback file.
func WithFallbackFile(path string) Option {
	return func(s *settings) {
		s.fallbackPath = strings.TrimSpace(path)
		s.allowLocal = true
	}
}

// WithCacheTTL bounds how long a fetched value is reused.
func WithCacheTTL(ttl time.Duration) Option { return func(s *settings) { s.cacheTTL = ttl } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

// NewFetcher builds a Fetcher for the project. A nil client is created lazily only when
// a project is configured; otherwise only the fallback file is consulted.
func NewFetcher(ctx context.Context, projectID string, opts ...Option) (*Fetcher, error) {
	s := settings{cacheTTL: 10 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if s.allowLocal && s.fallbackPath == "" {
		s.fallbackPath = defaultFallbackFile
	}

	f := &Fetcher{
		client:       s.client,
		projectID:    strings.TrimSpace(projectID),
		fallbackPath: s.fallbackPath,
		allowLocal:   s.allowLocal,
		cacheTTL:     s.cacheTTL,
		now:          s.now,
		cache:        map[string]cached{},
	}
	if f.client == nil && f.projectID != "" {
		client, err := secretmanager.NewClient(ctx, s.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		f.client = client
		f.ownsClient = true
	}
	counter, err := otel.Meter("github.com/hanko-field/fulfillment/internal/platform/secrets").
		Int64Counter("secrets.lookups", metric.WithDescription("Secret lookups by source"))
	if err == nil {
		f.lookups = counter
	}
	return f, nil
}

// ResolveSecret implements config.SecretResolver for secret://name[#version].
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, version, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	key := name + "#" + version

	f.mu.Lock()
	if entry, ok := f.cache[key]; ok && f.now().Sub(entry.fetchedAt) < f.cacheTTL {
		f.mu.Unlock()
		f.record(ctx, "cache")
		return entry.value, nil
	}
	f.mu.Unlock()

	value, err := f.fetchRemote(ctx, name, version)
	source := "secret_manager"
	if errors.Is(err, ErrNotFound) || (err != nil && f.allowLocal) {
		local, lerr := f.fetchLocal(name)
		if lerr == nil {
			value, err, source = local, nil, "fallback"
		} else if errors.Is(err, ErrNotFound) {
			err = lerr
		}
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.cache[key] = cached{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
	f.record(ctx, source)
	return value, nil
}

// Close releases the client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, name, version string) (string, error) {
	if f.client == nil || f.projectID == "" {
		return "", ErrNotFound
	}
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.projectID, name, version),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (f *Fetcher) fetchLocal(name string) (string, error) {
	if !f.allowLocal {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local == nil {
		values, err := readFallback(f.fallbackPath)
		if err != nil {
			return "", err
		}
		f.local = values
	}
	value, ok := f.local[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func (f *Fetcher) record(ctx context.Context, source string) {
	if f.lookups != nil {
		f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func parseRef(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(ref), "secret://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	name, version, _ := strings.Cut(rest, "#")
	name = strings.Trim(name, "/")
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if version == "" {
		version = "latest"
	}
	return name, version, nil
}

func readFallback(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback: %w", err)
	}
	defer file.Close()
	out := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return out, scanner.Err()
}
