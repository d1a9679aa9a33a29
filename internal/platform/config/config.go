package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultOIDCJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer      = "https://accounts.google.com"
	defaultSignatureHeader = "Lulu-HMAC-SHA256"
)

// Config is the full runtime configuration grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Stripe      StripeConfig
	Print       PrintConfig
	Identity    IdentityConfig
	Mail        MailConfig
	PubSub      PubSubConfig
	Queue       QueueConfig
	Cache       CacheConfig
	Security    SecurityConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID        string
	EmulatorHost     string
	OrdersCollection string
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Backend         string
	PostgresDSN     string
	PostgresMaxOpen int
}

type StripeConfig struct {
	APIKey           string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// PrintConfig configures the print-on-demand provider client.
type PrintConfig struct {
	BaseURL              string
	TokenURL             string
	ClientKey            string
	ClientSecret         string
	Timeout              time.Duration
	RatePerSecond        float64
	Burst                int
	BreakerFailures      int
	BreakerReset         time.Duration
	SourceBaseURL        string
	SourceBucket         string
	SignSources          bool
	SignedURLTTL         time.Duration
	SignerKeyFile        string
	PodPackages          map[string]string
	DefaultShippingLevel string
	Currency             string
}

// IdentityConfig configures the licence/identity service client.
type IdentityConfig struct {
	BaseURL       string
	SigningSecret string
	Issuer        string
	Audience      string
	Timeout       time.Duration
}

type MailConfig struct {
	Transport    string
	Topic        string
	From         string
	StoreName    string
	SupportURL   string
	KafkaBrokers []string
	Timeout      time.Duration
}

type PubSubConfig struct {
	ProjectID    string
	EmulatorHost string
}

// QueueConfig controls dispatch of pending orders.
type QueueConfig struct {
	Mode              string
	Topic             string
	Workers           int
	Buffer            int
	DispatchLease     time.Duration
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	ReconcileBatch    int
	MaxLineItems      int
}

type CacheConfig struct {
	Backend       string
	Size          int
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig holds per-webhook shared secrets keyed by integration name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
}

type RateLimitConfig struct {
	WebhookPerSecond float64
	WebhookBurst     int
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists every missing or invalid setting.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: missing or invalid [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending keys.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Option customises Load and EnvironmentValues.
type Option func(*options)

type options struct {
	envFile  string
	envMap   map[string]string
	noSystem bool
	resolver SecretResolver
	required []string
}

// WithEnvFile sets the dotenv file consulted last.
func WithEnvFile(path string) Option { return func(o *options) { o.envFile = path } }

// WithEnvMap injects values that win over the process environment.
func WithEnvMap(values map[string]string) Option { return func(o *options) { o.envMap = values } }

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option { return func(o *options) { o.noSystem = true } }

// WithSecretResolver resolves secret:// and sm:// references.
func WithSecretResolver(r SecretResolver) Option { return func(o *options) { o.resolver = r } }

// WithRequiredSecrets names secret fields (for example "Stripe.WebhookSecret") that must resolve.
func WithRequiredSecrets(names ...string) Option {
	return func(o *options) { o.required = append(o.required, names...) }
}

func newEnv(opts []Option) (env, options, error) {
	o := options{envFile: defaultEnvFile}
	for _, opt := range opts {
		opt(&o)
	}
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return env{}, o, err
	}
	return env{explicit: o.envMap, system: !o.noSystem, dotenv: dotenv}, o, nil
}

// EnvironmentValues returns the merged environment so callers can bootstrap the
// secret resolver with the same inputs Load will see.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	e, _, err := newEnv(opts)
	if err != nil {
		return nil, err
	}
	return e.values(), nil
}

// Load reads, resolves and validates configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	e, o, err := newEnv(opts)
	if err != nil {
		return Config{}, err
	}
	var invalid []string

	cfg := Config{
		Server: ServerConfig{
			Port:            e.str("API_SERVER_PORT", e.str("PORT", "8080")),
			ReadTimeout:     e.duration("API_SERVER_READ_TIMEOUT", 15*time.Second, &invalid),
			WriteTimeout:    e.duration("API_SERVER_WRITE_TIMEOUT", 30*time.Second, &invalid),
			IdleTimeout:     e.duration("API_SERVER_IDLE_TIMEOUT", 120*time.Second, &invalid),
			ShutdownTimeout: e.duration("API_SERVER_SHUTDOWN_TIMEOUT", 15*time.Second, &invalid),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:        e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:     e.str("API_FIRESTORE_EMULATOR_HOST", ""),
			OrdersCollection: e.str("API_FIRESTORE_ORDERS_COLLECTION", "fulfillmentOrders"),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(e.str("API_ORDER_STORE", "firestore")),
			PostgresDSN:     e.str("API_POSTGRES_DSN", ""),
			PostgresMaxOpen: e.integer("API_POSTGRES_MAX_OPEN_CONNS", 10, &invalid),
		},
		Stripe: StripeConfig{
			APIKey:           e.str("API_PSP_STRIPE_API_KEY", ""),
			WebhookSecret:    e.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance: e.duration("API_PSP_STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute, &invalid),
		},
		Print: PrintConfig{
			BaseURL:              strings.TrimRight(e.str("API_PRINT_BASE_URL", ""), "/"),
			TokenURL:             e.str("API_PRINT_TOKEN_URL", ""),
			ClientKey:            e.str("API_PRINT_CLIENT_KEY", ""),
			ClientSecret:         e.str("API_PRINT_CLIENT_SECRET", ""),
			Timeout:              e.duration("API_PRINT_TIMEOUT", 20*time.Second, &invalid),
			RatePerSecond:        e.float("API_PRINT_RATE_PER_SEC", 5, &invalid),
			Burst:                e.integer("API_PRINT_RATE_BURST", 5, &invalid),
			BreakerFailures:      e.integer("API_PRINT_BREAKER_FAILURES", 5, &invalid),
			BreakerReset:         e.duration("API_PRINT_BREAKER_RESET", 30*time.Second, &invalid),
			SourceBaseURL:        strings.TrimRight(e.str("API_PRINT_SOURCE_BASE_URL", ""), "/"),
			SourceBucket:         e.str("API_PRINT_SOURCE_BUCKET", ""),
			SignSources:          e.boolean("API_PRINT_SOURCE_SIGNED", false),
			SignedURLTTL:         e.duration("API_PRINT_SOURCE_SIGNED_TTL", 72*time.Hour, &invalid),
			SignerKeyFile:        e.str("API_PRINT_SOURCE_SIGNER_KEY_FILE", ""),
			PodPackages:          e.pairs("API_PRINT_POD_PACKAGES"),
			DefaultShippingLevel: strings.ToUpper(e.str("API_PRINT_DEFAULT_SHIPPING_LEVEL", "MAIL")),
			Currency:             strings.ToUpper(e.str("API_PRINT_CURRENCY", "USD")),
		},
		Identity: IdentityConfig{
			BaseURL:       strings.TrimRight(e.str("API_IDENTITY_BASE_URL", ""), "/"),
			SigningSecret: e.str("API_IDENTITY_SIGNING_SECRET", ""),
			Issuer:        e.str("API_IDENTITY_ISSUER", "fulfillment"),
			Audience:      e.str("API_IDENTITY_AUDIENCE", "identity"),
			Timeout:       e.duration("API_IDENTITY_TIMEOUT", 10*time.Second, &invalid),
		},
		Mail: MailConfig{
			Transport:    strings.ToLower(e.str("API_MAIL_TRANSPORT", "log")),
			Topic:        e.str("API_MAIL_TOPIC", "customer-mail"),
			From:         e.str("API_MAIL_FROM", "orders@example.com"),
			StoreName:    e.str("API_MAIL_STORE_NAME", "Bookshop"),
			SupportURL:   e.str("API_MAIL_SUPPORT_URL", ""),
			KafkaBrokers: e.list("API_MAIL_KAFKA_BROKERS"),
			Timeout:      e.duration("API_MAIL_TIMEOUT", 10*time.Second, &invalid),
		},
		PubSub: PubSubConfig{
			ProjectID:    e.str("API_PUBSUB_PROJECT_ID", ""),
			EmulatorHost: e.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Queue: QueueConfig{
			Mode:              strings.ToLower(e.str("API_FULFILLMENT_QUEUE", "local")),
			Topic:             e.str("API_FULFILLMENT_TOPIC", "fulfillment-dispatch"),
			Workers:           e.integer("API_FULFILLMENT_WORKERS", 4, &invalid),
			Buffer:            e.integer("API_FULFILLMENT_QUEUE_SIZE", 256, &invalid),
			DispatchLease:     e.duration("API_FULFILLMENT_LEASE", 2*time.Minute, &invalid),
			ReconcileInterval: e.duration("API_RECONCILE_INTERVAL", 5*time.Minute, &invalid),
			StaleAfter:        e.duration("API_RECONCILE_STALE_AFTER", 10*time.Minute, &invalid),
			ReconcileBatch:    e.integer("API_RECONCILE_BATCH", 50, &invalid),
			MaxLineItems:      e.integer("API_MAX_LINE_ITEMS", 100, &invalid),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(e.str("API_CACHE_BACKEND", "memory")),
			Size:          e.integer("API_CACHE_SIZE", 1024, &invalid),
			TTL:           e.duration("API_CACHE_TTL", 10*time.Minute, &invalid),
			RedisAddr:     e.str("API_REDIS_ADDR", ""),
			RedisPassword: e.str("API_REDIS_PASSWORD", ""),
			RedisDB:       e.integer("API_REDIS_DB", 0, &invalid),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", "local")),
			OIDC: OIDCConfig{
				JWKSURL:  e.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  e.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         e.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: e.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultSignatureHeader),
			},
		},
		RateLimits: RateLimitConfig{
			WebhookPerSecond: e.float("API_RATELIMIT_WEBHOOK_PER_SEC", 50, &invalid),
			WebhookBurst:     e.integer("API_RATELIMIT_WEBHOOK_BURST", 100, &invalid),
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", "Idempotency-Key"),
			TTL:              e.duration("API_IDEMPOTENCY_TTL", 24*time.Hour, &invalid),
			CleanupInterval:  e.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour, &invalid),
			CleanupBatchSize: e.integer("API_IDEMPOTENCY_CLEANUP_BATCH", 200, &invalid),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer, strings.TrimPrefix(defaultOIDCIssuer, "https://")}
	}
	if len(cfg.Print.PodPackages) == 0 {
		cfg.Print.PodPackages = DefaultPodPackages()
	}

	secrets := &secretSet{ctx: ctx, resolver: o.resolver, resolved: map[string]string{}}
	secrets.resolve("Stripe.APIKey", &cfg.Stripe.APIKey)
	secrets.resolve("Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret)
	secrets.resolve("Print.ClientSecret", &cfg.Print.ClientSecret)
	secrets.resolve("Identity.SigningSecret", &cfg.Identity.SigningSecret)
	secrets.resolve("Store.PostgresDSN", &cfg.Store.PostgresDSN)
	secrets.resolve("Cache.RedisPassword", &cfg.Cache.RedisPassword)
	for name := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[name]
		secrets.resolve(fmt.Sprintf("Security.HMAC.Secrets[%s]", name), &value)
		cfg.Security.HMAC.Secrets[name] = value
	}
	if secrets.err != nil {
		return Config{}, secrets.err
	}

	if err := validate(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := secrets.missing(o.required); missing != nil {
		fmt.Fprintln(os.Stderr, missing.Error())
		return Config{}, missing
	}
	return cfg, nil
}

// DefaultPodPackages maps binding/ink keys onto 6x9 print package ids.
func DefaultPodPackages() map[string]string {
	return map[string]string{
		"paperback_bw":    "0600X0900BWSTDPB060UW444MXX",
		"hardcover_bw":    "0600X0900BWSTDCW060UW444MXX",
		"paperback_color": "0600X0900FCSTDPB080CW444GXX",
		"hardcover_color": "0600X0900FCSTDCW080CW444GXX",
	}
}

func validate(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)
	require := func(ok bool, name string) {
		if !ok {
			fields = append(fields, name)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")

	switch cfg.Store.Backend {
	case "firestore":
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case "postgres":
		require(cfg.Store.PostgresDSN != "", "Store.PostgresDSN")
	case "memory":
	default:
		fields = append(fields, "Store.Backend")
	}

	switch cfg.Cache.Backend {
	case "memory":
		require(cfg.Cache.Size > 0, "Cache.Size")
	case "redis":
		require(cfg.Cache.RedisAddr != "", "Cache.RedisAddr")
	default:
		fields = append(fields, "Cache.Backend")
	}
	require(cfg.Cache.TTL > 0, "Cache.TTL")

	switch cfg.Queue.Mode {
	case "local":
		require(cfg.Queue.Workers > 0, "Queue.Workers")
	case "pubsub":
		require(cfg.Queue.Topic != "", "Queue.Topic")
		require(cfg.PubSub.ProjectID != "", "PubSub.ProjectID")
	default:
		fields = append(fields, "Queue.Mode")
	}
	require(cfg.Queue.DispatchLease > 0, "Queue.DispatchLease")
	require(cfg.Queue.StaleAfter > 0, "Queue.StaleAfter")
	require(cfg.Queue.MaxLineItems > 0, "Queue.MaxLineItems")

	switch cfg.Mail.Transport {
	case "log":
	case "pubsub":
		require(cfg.Mail.Topic != "", "Mail.Topic")
		require(cfg.PubSub.ProjectID != "", "PubSub.ProjectID")
	case "kafka":
		require(cfg.Mail.Topic != "", "Mail.Topic")
		require(len(cfg.Mail.KafkaBrokers) > 0, "Mail.KafkaBrokers")
	default:
		fields = append(fields, "Mail.Transport")
	}

	require(cfg.Print.BaseURL != "", "Print.BaseURL")
	require(cfg.Print.Timeout > 0, "Print.Timeout")
	require(cfg.Print.SourceBaseURL != "" || cfg.Print.SourceBucket != "", "Print.SourceBaseURL")
	require(!cfg.Print.SignSources || cfg.Print.SourceBucket != "", "Print.SourceBucket")
	require(cfg.Identity.BaseURL != "", "Identity.BaseURL")
	require(cfg.Identity.Timeout > 0, "Identity.Timeout")
	require(cfg.Mail.Timeout > 0, "Mail.Timeout")

	require(cfg.Idempotency.Header != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
