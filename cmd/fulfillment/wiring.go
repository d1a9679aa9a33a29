package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/fulfillment/internal/notifications"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/cache"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
	"github.com/hanko-field/fulfillment/internal/platform/idempotency"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/metrics"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/secrets"
	platformstorage "github.com/hanko-field/fulfillment/internal/platform/storage"
	"github.com/hanko-field/fulfillment/internal/printing"
	"github.com/hanko-field/fulfillment/internal/repositories"
	firestoreRepo "github.com/hanko-field/fulfillment/internal/repositories/firestore"
	memoryRepo "github.com/hanko-field/fulfillment/internal/repositories/memory"
	postgresRepo "github.com/hanko-field/fulfillment/internal/repositories/postgres"
	"github.com/hanko-field/fulfillment/internal/services"
)

const printSignatureName = "print"

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// newSecretFetcher reads Secret Manager in the configured project. Outside
// prod a .secrets.local style file answers lookups Secret Manager cannot.
func newSecretFetcher(ctx context.Context, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	var opts []secrets.Option
	if envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT")); envLabel != "prod" && envLabel != "production" {
		opts = append(opts, secrets.WithFallbackFile(lookup("API_SECRET_FALLBACK_FILE")))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, project, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Stripe.APIKey",
		"Stripe.WebhookSecret",
		"Print.ClientSecret",
		"Identity.SigningSecret",
	}
	if strings.EqualFold(strings.TrimSpace(env["API_ORDER_STORE"]), "postgres") {
		required = append(required, "Store.PostgresDSN")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func parseHMACSecretKeys(raw string) []string {
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, strings.TrimSpace(key))
	}
	sort.Strings(keys)
	return keys
}

type pingFunc func(context.Context) error

// orderStore bundles the selected backend with what main needs around it.
type orderStore struct {
	orders    repositories.OrderRepository
	name      string
	ping      pingFunc
	firestore *pfirestore.Provider
	close     func()
}

func newOrderStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (orderStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		db, err := postgresRepo.Open(ctx, cfg.Store.PostgresDSN, cfg.Store.PostgresMaxOpen)
		if err != nil {
			return orderStore{}, err
		}
		repo, err := postgresRepo.NewOrderRepository(db, time.Now)
		if err != nil {
			_ = db.Close()
			return orderStore{}, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = db.Close()
			return orderStore{}, err
		}
		return orderStore{
			orders: repo,
			name:   "postgres",
			ping:   repo.Ping,
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warn("postgres close error", zap.Error(err))
				}
			},
		}, nil
	case "memory":
		logger.Warn("orders are kept in memory and will not survive a restart")
		repo := memoryRepo.NewOrderRepository(time.Now)
		return orderStore{orders: repo, name: "memory", ping: repo.Ping, close: func() {}}, nil
	default:
		var opts []pfirestore.ProviderOption
		if cfg.Firebase.CredentialsFile != "" {
			opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
		}
		provider := pfirestore.NewProvider(cfg.Firestore, opts...)
		if _, err := provider.Client(ctx); err != nil {
			return orderStore{}, err
		}
		repo, err := firestoreRepo.NewOrderRepository(provider, cfg.Firestore.OrdersCollection)
		if err != nil {
			_ = provider.Close()
			return orderStore{}, err
		}
		return orderStore{
			orders:    repo,
			name:      "firestore",
			ping:      repo.Ping,
			firestore: provider,
			close: func() {
				if err := provider.Close(); err != nil {
					logger.Warn("firestore close error", zap.Error(err))
				}
			},
		}, nil
	}
}

// newIdempotencyStore keeps replay records next to the orders when Firestore
// backs them; other backends use the process-local store.
func newIdempotencyStore(store orderStore) idempotency.Store {
	if store.firestore != nil {
		return idempotency.NewFirestoreStore(store.firestore, "idempotencyKeys")
	}
	return idempotency.NewMemoryStore()
}

type cacheBackend struct {
	cache cache.Cache
	ping  pingFunc
	close func()
}

func newCache(ctx context.Context, cfg config.Config) (cacheBackend, error) {
	if cfg.Cache.Backend != "redis" {
		return cacheBackend{cache: cache.NewLRU(cfg.Cache.Size, cfg.Cache.TTL), close: func() {}}, nil
	}
	redisCache, client, err := cache.NewRedis(ctx, cache.RedisOptions{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   "fulfillment:",
	})
	if err != nil {
		return cacheBackend{}, err
	}
	return cacheBackend{
		cache: redisCache,
		ping:  redisCache.Ping,
		close: func() { _ = client.Close() },
	}, nil
}

// pubSubClients opens a single Pub/Sub client on first use and shares it
// between the dispatch queue and the mail transport.
type pubSubClients struct {
	projectID    string
	emulatorHost string
	client       *pubsub.Client
	stops        []func()
}

func newPubSubClients(cfg config.Config) *pubSubClients {
	return &pubSubClients{projectID: cfg.PubSub.ProjectID, emulatorHost: cfg.PubSub.EmulatorHost}
}

func (p *pubSubClients) publisher(ctx context.Context, topicID string, ordered bool) (*jobs.PubSubPublisher, error) {
	if p.client == nil {
		client, err := jobs.NewPubSubClient(ctx, p.projectID, p.emulatorHost)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	topic := p.client.Topic(topicID)
	topic.EnableMessageOrdering = ordered
	publisher, err := jobs.NewPubSubPublisher(topic)
	if err != nil {
		return nil, err
	}
	p.stops = append(p.stops, publisher.Stop)
	return publisher, nil
}

func (p *pubSubClients) close(logger *zap.Logger) {
	for _, stop := range p.stops {
		stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

func newMailTransport(ctx context.Context, cfg config.Config, clients *pubSubClients, logger *zap.Logger) (notifications.Transport, func(), error) {
	switch cfg.Mail.Transport {
	case "pubsub":
		publisher, err := clients.publisher(ctx, cfg.Mail.Topic, false)
		if err != nil {
			return nil, nil, err
		}
		transport, err := notifications.NewPublisherTransport(publisher, cfg.Mail.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return transport, func() {}, nil
	case "kafka":
		producer, err := jobs.NewKafkaProducer(cfg.Mail.KafkaBrokers, "fulfillment-mail")
		if err != nil {
			return nil, nil, err
		}
		publisher, err := jobs.NewKafkaPublisher(producer, cfg.Mail.Topic)
		if err != nil {
			_ = producer.Close()
			return nil, nil, err
		}
		transport, err := notifications.NewPublisherTransport(publisher, cfg.Mail.Timeout)
		if err != nil {
			_ = publisher.Close()
			return nil, nil, err
		}
		return transport, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka producer close error", zap.Error(err))
			}
		}, nil
	default:
		return notifications.NewLogTransport(observability.EventLogger(logger, "mail")), func() {}, nil
	}
}

// newDispatchQueue returns the publisher the fulfillment service enqueues
// orders on. In pubsub mode delivery comes back through the internal push
// endpoint; in local mode handler runs on in-process workers.
func newDispatchQueue(ctx context.Context, cfg config.Config, clients *pubSubClients, logger *zap.Logger, handler jobs.Handler) (jobs.Publisher, func(context.Context) error, error) {
	if cfg.Queue.Mode == "pubsub" {
		publisher, err := clients.publisher(ctx, cfg.Queue.Topic, true)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func(context.Context) error { return nil }, nil
	}
	queueLogger := logger.Named("dispatch")
	queue := jobs.NewLocalQueue(ctx, cfg.Queue.Workers, cfg.Queue.Buffer, handler,
		jobs.WithErrorHandler(func(_ context.Context, msg jobs.Message, err error) {
			queueLogger.Warn("dispatch attempt failed; reconcile will retry",
				zap.String("orderId", msg.Key),
				zap.Error(err),
			)
		}),
	)
	return queue, queue.Close, nil
}

// newSourceBuilder picks how the print provider fetches interior and cover
// files: signed bucket URLs, or a public base URL.
func newSourceBuilder(ctx context.Context, cfg config.Config) (services.SourceBuilder, func(), error) {
	if !cfg.Print.SignSources {
		sources, err := printing.NewTemplateSources(cfg.Print.SourceBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return sources, func() {}, nil
	}

	if keyFile := strings.TrimSpace(cfg.Print.SignerKeyFile); keyFile != "" {
		signer, err := platformstorage.NewKeySignerFromFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		urlSigner, err := platformstorage.NewKeyURLSigner(cfg.Print.SourceBucket, signer, cfg.Print.SignedURLTTL)
		if err != nil {
			return nil, nil, err
		}
		sources, err := printing.NewSignedSources(urlSigner)
		if err != nil {
			return nil, nil, err
		}
		return sources, func() {}, nil
	}

	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	urlSigner, err := platformstorage.NewBucketURLSigner(client, cfg.Print.SourceBucket, cfg.Print.SignedURLTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	sources, err := printing.NewSignedSources(urlSigner)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return sources, func() { _ = client.Close() }, nil
}

func newSystemService(store orderStore, cacheBackend cacheBackend, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if store.ping != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     store.name,
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    store.ping,
		})
	}
	if cacheBackend.ping != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   cacheBackend.ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system-healthz"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks, time.Now)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

// runReconciler re-enqueues stale pending orders until ctx ends.
func runReconciler(ctx context.Context, fulfillment services.FulfillmentService, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			requeued, err := fulfillment.Reconcile(runCtx)
			cancel()
			if err != nil {
				logger.Error("reconcile failed", zap.Error(err))
				continue
			}
			if requeued > 0 {
				logger.Info("reconcile requeued orders", zap.Int("count", requeued))
			}
		}
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, registry *metrics.Registry) func(http.Handler) http.Handler {
	adapter := observability.NewPrintfAdapter(logger)
	keys := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, nil)
	validator := auth.NewOIDCValidator(keys, adapter, registry)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildPrintSignatureMiddleware(logger *zap.Logger, cfg config.Config, registry *metrics.Registry) func(http.Handler) http.Handler {
	secretsByName := auth.StaticSecrets{}
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretsByName[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretsByName[printSignatureName]; !ok {
		logger.Warn("auth: print webhook secret not configured; status callbacks will be rejected")
	}
	validator := auth.NewBodySignatureValidator(secretsByName, cfg.Security.HMAC.SignatureHeader, observability.NewPrintfAdapter(logger), registry)
	return validator.RequireSignature(printSignatureName)
}
