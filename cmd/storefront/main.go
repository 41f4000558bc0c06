package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/handlers"
	"github.com/hanko-field/storefront/internal/platform/config"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/kvstore"
	"github.com/hanko-field/storefront/internal/platform/notify"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/platform/secrets"
	"github.com/hanko-field/storefront/internal/repositories"
	firestoreRepo "github.com/hanko-field/storefront/internal/repositories/firestore"
	"github.com/hanko-field/storefront/internal/repositories/kv"
	"github.com/hanko-field/storefront/internal/repositories/memory"
	"github.com/hanko-field/storefront/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	bootstrapLogger, err := observability.NewLogger(os.Getenv("STOREFRONT_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = bootstrapLogger.Sync()
	}()

	logger := bootstrapLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(firstNonEmpty(os.Getenv("STOREFRONT_SECRET_PROJECT_ID"), os.Getenv("STOREFRONT_FIRESTORE_PROJECT_ID"))),
		secrets.WithFallbackFile(firstNonEmpty(os.Getenv("STOREFRONT_SECRET_FALLBACK_FILE"), ".secrets.local")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Server.LogLevel != "" {
		if leveled, err := observability.NewLogger(cfg.Server.LogLevel); err == nil {
			defer func() {
				_ = leveled.Sync()
			}()
			logger = leveled.Named("storefront")
			ctx = observability.WithLogger(ctx, logger)
		}
	}
	logger = logger.With(zap.String("environment", cfg.Server.Environment))

	var checks []repositories.DependencyCheck

	var firestoreProvider *pfirestore.Provider
	if strings.TrimSpace(cfg.Firestore.ProjectID) != "" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		checks = append(checks, repositories.DependencyCheck{Name: "firestore", Check: firestoreProvider.Ping})
	}

	var redisClient *redis.Client
	if cfg.KV.Backend == config.KVBackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	store, storeCheck, err := newKVStore(ctx, cfg, redisClient, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise kv store", zap.Error(err))
	}
	if storeCheck != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "kv", Check: storeCheck})
	}

	rateStore := store
	if bucket := strings.TrimSpace(cfg.Storage.CacheBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		mirror, err := kvstore.NewGCSStore(storageClient, bucket, "storefront/")
		if err != nil {
			logger.Fatal("failed to initialise cache mirror", zap.Error(err))
		}
		rateStore = kvstore.Tiered{Primary: store, Secondary: mirror}
	}

	cartRepo, err := kv.NewCartRepository(store)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	rateCache, err := kv.NewRateCacheRepository(rateStore)
	if err != nil {
		logger.Fatal("failed to initialise rate cache repository", zap.Error(err))
	}

	rateSource, err := services.NewHTTPRateSource(cfg.FX.Endpoint, cfg.FX.APIKey, nil)
	if err != nil {
		logger.Fatal("failed to initialise rate source", zap.Error(err))
	}
	currencyService, err := services.NewCurrencyService(services.CurrencyServiceDeps{
		Source:         rateSource,
		Cache:          rateCache,
		Clock:          time.Now,
		TTL:            cfg.FX.TTL,
		FetchTimeout:   cfg.FX.Timeout,
		FetchAttempts:  cfg.FX.Attempts,
		BreakerTrips:   uint32(cfg.FX.BreakerTrips),
		BreakerTimeout: cfg.FX.BreakerTimeout,
		Logger:         observability.ServiceLogger(logger.Named("fx")),
	})
	if err != nil {
		logger.Fatal("failed to initialise currency service", zap.Error(err))
	}

	orderRepo, returnRepo, counterRepo, err := newOrderRepositories(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repositories", zap.Error(err))
	}

	counterService, err := services.NewCounterService(services.CounterServiceDeps{
		Repository:        counterRepo,
		Clock:             time.Now,
		OrderNumberPrefix: cfg.Checkout.OrderNumberPrefix,
	})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}

	notifier, closeNotifier, err := newNotifier(ctx, cfg, logger.Named("notify"))
	if err != nil {
		logger.Fatal("failed to initialise order notifier", zap.Error(err))
	}
	defer closeNotifier()

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Returns:    returnRepo,
		Counters:   counterService,
		UnitOfWork: &memory.UnitOfWork{},
		Notifier:   notifier,
		Clock:      time.Now,
		Logger:     observability.ServiceLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	totals, err := services.NewTotalsCalculator(services.TotalsCalculatorDeps{
		Currency:            currencyService,
		FreeShippingOverTRY: cfg.Cart.FreeShippingOverTRY,
		FlatShippingFeeTRY:  cfg.Cart.FlatShippingFeeTRY,
	})
	if err != nil {
		logger.Fatal("failed to initialise totals calculator", zap.Error(err))
	}

	sessions, err := handlers.NewSessionRegistry(handlers.NewSessionFactory(handlers.SessionDeps{
		Carts:         cartRepo,
		Totals:        totals,
		Orders:        orderService,
		Validator:     services.NewCheckoutValidator(time.Now),
		CouponCode:    cfg.Cart.CouponCode,
		CouponPercent: float64(cfg.Cart.CouponPercent),
		Clock:         time.Now,
		Logger:        observability.ServiceLogger(logger.Named("cart")),
	}), time.Now)
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(cfg.Session.SweepInterval)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweepLogger := logger.Named("sessions")
		for {
			select {
			case <-sweepTicker.C:
				runCtx, cancel := context.WithTimeout(sweepCtx, time.Minute)
				evicted := sessions.Evict(runCtx, cfg.Session.IdleTimeout)
				cancel()
				if evicted > 0 {
					sweepLogger.Info("evicted idle sessions", zap.Int("count", evicted))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if redisClient != nil {
		redisStore, err := idempotency.NewRedisStore(redisClient, cfg.Redis.Prefix+"idempotency:")
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		idempotencyStore = redisStore
	}
	placeIdempotency := idempotency.Middleware(idempotencyStore,
		idempotency.WithTTL(cfg.Checkout.IdempotencyTTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	healthRepo, err := repositories.NewProbeHealthRepository(checks, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(handlers.BuildInfo{
			Version:     firstNonEmpty(os.Getenv("STOREFRONT_BUILD_VERSION"), "dev"),
			CommitSHA:   firstNonEmpty(os.Getenv("STOREFRONT_BUILD_COMMIT_SHA"), "unknown"),
			Environment: cfg.Server.Environment,
			StartedAt:   startedAt,
		}),
		handlers.WithHealthRepository(healthRepo),
	)

	cartHandlers := handlers.NewCartHandlers(sessions)
	checkoutHandlers := handlers.NewCheckoutHandlers(sessions, placeIdempotency)
	orderHandlers := handlers.NewOrderHandlers(orderService)
	fxHandlers := handlers.NewFXHandlers(currencyService)

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		handlers.DeviceRateLimit(cfg.Server.DeviceRateLimit, cfg.Server.DeviceRateWindow, time.Now),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes, checkoutHandlers.PlaceRoute),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithFXRoutes(fxHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "storefront"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening", zap.String("kvBackend", cfg.KV.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()

	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Warn("flushing carts failed", zap.Error(err))
	}
}

// newKVStore selects the cart and rate cache backend. The returned check, when non-nil, probes it.
func newKVStore(ctx context.Context, cfg config.Config, client *redis.Client, provider *pfirestore.Provider) (kvstore.Store, func(context.Context) error, error) {
	switch cfg.KV.Backend {
	case config.KVBackendRedis:
		store, err := kvstore.NewRedisStore(client, kvstore.WithRedisPrefix(cfg.Redis.Prefix))
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store, store.Ping, nil
	case config.KVBackendFirestore:
		if provider == nil {
			return nil, nil, errors.New("firestore kv backend requires a firestore project")
		}
		store, err := kvstore.NewFirestoreStore(provider, cfg.KV.Collection)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return kvstore.NewMemoryStore(), nil, nil
	}
}

func newOrderRepositories(provider *pfirestore.Provider) (repositories.OrderRepository, repositories.ReturnRequestRepository, repositories.CounterRepository, error) {
	if provider == nil {
		return memory.NewOrderRepository(), memory.NewReturnRequestRepository(), memory.NewCounterRepository(), nil
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return nil, nil, nil, err
	}
	returns, err := firestoreRepo.NewReturnRequestRepository(provider)
	if err != nil {
		return nil, nil, nil, err
	}
	counters, err := firestoreRepo.NewCounterRepository(provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return orders, returns, counters, nil
}

// newNotifier publishes order events to Pub/Sub when a project is configured and logs them otherwise.
func newNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderNotifier, func(), error) {
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.Topic)
	notifier, err := notify.NewPubSubNotifier(topic, time.Now)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return notifier, func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
