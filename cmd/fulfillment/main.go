package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/handlers"
	"github.com/hanko-field/fulfillment/internal/identity"
	"github.com/hanko-field/fulfillment/internal/notifications"
	"github.com/hanko-field/fulfillment/internal/payments"
	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/config"
	"github.com/hanko-field/fulfillment/internal/platform/idempotency"
	"github.com/hanko-field/fulfillment/internal/platform/jobs"
	"github.com/hanko-field/fulfillment/internal/platform/metrics"
	"github.com/hanko-field/fulfillment/internal/platform/observability"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/printing"
	"github.com/hanko-field/fulfillment/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("fulfillment")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	registry := metrics.New()

	store, err := newOrderStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.Error(err))
	}
	defer store.close()

	cacheBackend, err := newCache(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise cache", zap.Error(err))
	}
	defer cacheBackend.close()

	pubsubClients := newPubSubClients(cfg)
	defer pubsubClients.close(logger)

	stripeProvider, err := payments.NewStripeProvider(payments.StripeConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Tolerance:     cfg.Stripe.WebhookTolerance,
		Logger:        observability.EventLogger(logger, "payments"),
		Observe:       registry.ObserveProviderCall,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}
	catalog, err := payments.NewCachedCatalog(stripeProvider, cacheBackend.cache, cfg.Cache.TTL, observability.EventLogger(logger, "catalog"))
	if err != nil {
		logger.Fatal("failed to initialise catalog cache", zap.Error(err))
	}

	printClient, err := printing.NewClient(printing.ClientConfig{
		BaseURL:         cfg.Print.BaseURL,
		TokenURL:        cfg.Print.TokenURL,
		ClientKey:       cfg.Print.ClientKey,
		ClientSecret:    cfg.Print.ClientSecret,
		Timeout:         cfg.Print.Timeout,
		RatePerSecond:   cfg.Print.RatePerSecond,
		Burst:           cfg.Print.Burst,
		BreakerFailures: cfg.Print.BreakerFailures,
		BreakerReset:    cfg.Print.BreakerReset,
		Logger:          observability.EventLogger(logger, "printing"),
		Observe:         registry.ObserveProviderCall,
		OnBreakerChange: registry.BreakerStateChanged,
	})
	if err != nil {
		logger.Fatal("failed to initialise print client", zap.Error(err))
	}
	packages, err := printing.NewPackageTable(cfg.Print.PodPackages)
	if err != nil {
		logger.Fatal("failed to initialise print packages", zap.Error(err))
	}
	sources, closeSources, err := newSourceBuilder(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise print sources", zap.Error(err))
	}
	defer closeSources()

	identityClient, err := identity.NewClient(identity.ClientConfig{
		BaseURL:         cfg.Identity.BaseURL,
		SigningSecret:   cfg.Identity.SigningSecret,
		Issuer:          cfg.Identity.Issuer,
		Audience:        cfg.Identity.Audience,
		Timeout:         cfg.Identity.Timeout,
		Logger:          observability.EventLogger(logger, "identity"),
		Observe:         registry.ObserveProviderCall,
		OnBreakerChange: registry.BreakerStateChanged,
	})
	if err != nil {
		logger.Fatal("failed to initialise identity client", zap.Error(err))
	}

	firebaseAuth, err := auth.NewFirebaseAuthClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Warn("firebase auth unavailable; admin routes and account lookup disabled", zap.Error(err))
	}
	var accounts services.AccountResolver
	if firebaseAuth != nil {
		resolver, err := identity.NewFirebaseAccountResolver(firebaseAuth)
		if err != nil {
			logger.Fatal("failed to initialise account resolver", zap.Error(err))
		}
		accounts = resolver
	}

	transport, closeTransport, err := newMailTransport(ctx, cfg, pubsubClients, logger)
	if err != nil {
		logger.Fatal("failed to initialise mail transport", zap.Error(err))
	}
	defer closeTransport()
	renderer, err := notifications.NewRenderer(notifications.RendererConfig{
		From:       cfg.Mail.From,
		StoreName:  cfg.Mail.StoreName,
		SupportURL: cfg.Mail.SupportURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise mail renderer", zap.Error(err))
	}
	notifier, err := notifications.NewNotifier(renderer, transport,
		notifications.WithLogger(observability.EventLogger(logger, "notifications")),
		notifications.WithSentCounter(registry.NotificationSent),
	)
	if err != nil {
		logger.Fatal("failed to initialise notifier", zap.Error(err))
	}

	classifier, err := services.NewLineItemClassifier(services.LineItemClassifierDeps{
		Catalog:      catalog,
		MaxLineItems: cfg.Queue.MaxLineItems,
	})
	if err != nil {
		logger.Fatal("failed to initialise line item classifier", zap.Error(err))
	}

	printJobs, err := services.NewPrintJobService(services.PrintJobServiceDeps{
		Orders:               store.orders,
		Sessions:             stripeProvider,
		Classifier:           classifier,
		Provider:             printClient,
		Packages:             packages,
		Sources:              sources,
		DefaultShippingLevel: cfg.Print.DefaultShippingLevel,
		Clock:                time.Now,
		Logger:               observability.EventLogger(logger, "print_jobs"),
		Metrics:              registry,
	})
	if err != nil {
		logger.Fatal("failed to initialise print job service", zap.Error(err))
	}

	digital, err := services.NewDigitalDeliveryService(services.DigitalDeliveryServiceDeps{
		Identity: identityClient,
		Accounts: accounts,
		Logger:   observability.EventLogger(logger, "digital"),
	})
	if err != nil {
		logger.Fatal("failed to initialise digital delivery service", zap.Error(err))
	}

	// The local queue's workers call back into the fulfillment service, which
	// in turn publishes onto the queue, so the handler binds late.
	var fulfillment services.FulfillmentService
	workerCtx, stopWorkers := context.WithCancel(requestctx.WithLogger(context.Background(), logger.Named("dispatch")))
	defer stopWorkers()
	queue, closeQueue, err := newDispatchQueue(workerCtx, cfg, pubsubClients, logger, func(ctx context.Context, msg jobs.Message) error {
		return fulfillment.HandleDispatchMessage(ctx, msg.Data)
	})
	if err != nil {
		logger.Fatal("failed to initialise dispatch queue", zap.Error(err))
	}

	fulfillment, err = services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:         store.orders,
		Sessions:       stripeProvider,
		Classifier:     classifier,
		Print:          printJobs,
		Digital:        digital,
		Notifier:       notifier,
		Queue:          queue,
		DispatchLease:  cfg.Queue.DispatchLease,
		StaleAfter:     cfg.Queue.StaleAfter,
		ReconcileBatch: cfg.Queue.ReconcileBatch,
		Clock:          time.Now,
		Logger:         observability.EventLogger(logger, "fulfillment"),
		Metrics:        registry,
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	statusUpdates, err := services.NewStatusUpdateService(services.StatusUpdateServiceDeps{
		Orders:   store.orders,
		Notifier: notifier,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger, "status"),
	})
	if err != nil {
		logger.Fatal("failed to initialise status update service", zap.Error(err))
	}

	orderAdmin, err := services.NewOrderAdminService(services.OrderAdminServiceDeps{
		Orders:      store.orders,
		Sessions:    stripeProvider,
		Print:       printJobs,
		Fulfillment: fulfillment,
		Logger:      observability.EventLogger(logger, "admin"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order admin service", zap.Error(err))
	}

	pricing, err := services.NewPricingCalculator(services.PricingCalculatorDeps{
		Currency: cfg.Print.Currency,
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing calculator", zap.Error(err))
	}

	shipping, err := services.NewShippingResolver(services.ShippingResolverDeps{
		Quoter:   printClient,
		Packages: packages,
		Cache:    cacheBackend.cache,
		CacheTTL: cfg.Cache.TTL,
		Currency: cfg.Print.Currency,
		Logger:   observability.EventLogger(logger, "shipping"),
	})
	if err != nil {
		logger.Fatal("failed to initialise shipping resolver", zap.Error(err))
	}

	systemService, err := newSystemService(store, cacheBackend, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := newIdempotencyStore(store)
	guard := idempotency.NewGuard(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	backgroundCtx, stopBackground := context.WithCancel(requestctx.WithLogger(context.Background(), logger))
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		idempotency.RunJanitor(backgroundCtx, idempotencyStore, cfg.Idempotency.CleanupInterval,
			cfg.Idempotency.CleanupBatchSize, observability.NewPrintfAdapter(logger.Named("idempotency")))
	}()
	go func() {
		defer background.Done()
		runReconciler(backgroundCtx, fulfillment, cfg.Queue.ReconcileInterval, logger.Named("reconcile"))
	}()

	authLogger := logger.Named("auth")
	publicHandlers := handlers.NewPublicHandlers(pricing, shipping)
	paymentWebhooks := handlers.NewPaymentWebhookHandlers(stripeProvider, fulfillment)
	printWebhooks := handlers.NewPrintWebhookHandlers(statusUpdates, buildPrintSignatureMiddleware(authLogger, cfg, registry))
	internalHandlers := handlers.NewInternalHandlers(fulfillment)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(registry),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithMetricsHandler(registry.Handler()))
	opts = append(opts, handlers.WithPublicRoutes(publicHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(handlers.Compose(paymentWebhooks.Routes, printWebhooks.Routes)))
	opts = append(opts, handlers.WithWebhookMiddlewares(handlers.RateLimit(cfg.RateLimits.WebhookPerSecond, cfg.RateLimits.WebhookBurst)))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	opts = append(opts, handlers.WithInternalMiddlewares(buildOIDCMiddleware(authLogger, cfg, registry)))
	if firebaseAuth != nil {
		adminHandlers := handlers.NewAdminOrderHandlers(
			auth.NewAuthenticator(firebaseAuth, registry),
			orderAdmin,
			handlers.WithAdminIdempotency(guard.Middleware),
		)
		opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("queue", cfg.Queue.Mode),
			zap.String("version", buildInfo.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopBackground()
	background.Wait()

	if err := closeQueue(shutdownCtx); err != nil {
		logger.Warn("dispatch queue did not drain", zap.Error(err))
	}
	stopWorkers()
}
