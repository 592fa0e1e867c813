package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsync/internal/api"
	"opsync/internal/backend"
	"opsync/internal/config"
	"opsync/internal/consistency"
	"opsync/internal/database"
	"opsync/internal/events"
	"opsync/internal/executor"
	"opsync/internal/logging"
	"opsync/internal/metrics"
	"opsync/internal/newrecord"
	"opsync/internal/rebuild"
	"opsync/internal/repository"
	"opsync/internal/service"
	"opsync/internal/state"
	"opsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	clock := clockwork.NewRealClock()

	db, err := initDatabase(cfg, &logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := initStore(cfg, db, redisClient, clock, &logger)

	client := backend.NewHTTPClient(backend.HTTPConfig{
		BaseURL:   cfg.Backend.BaseURL,
		AppID:     cfg.Backend.AppID,
		Timeout:   cfg.Backend.Timeout,
		RateLimit: cfg.Backend.RateLimit,
		Burst:     cfg.Backend.Burst,
		UserAgent: cfg.Backend.UserAgent,
	}, nil, &logger)

	cm := consistency.NewManager(&logger)
	tracker := newrecord.NewTracker(clock, cfg.Sync.PostCreateDelay, cfg.Sync.PostCreateRetryUpTo)
	users := state.NewStore()
	rebuilder := rebuild.NewService(users, &logger)

	registry, err := initExecutors(cfg, client, tracker, rebuilder, &logger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	subscribeAudit(bus, &logger)

	queue := worker.NewQueue(worker.Deps{
		Store:       store,
		Executors:   registry,
		Consistency: cm,
		Tracker:     tracker,
		Bus:         bus,
		Clock:       clock,
		Logger:      &logger,
	}, worker.Config{
		BatchWindow:         cfg.Sync.BatchWindow,
		MaxConcurrentOwners: cfg.Sync.MaxConcurrentOwners,
		MaxBatchSize:        cfg.Sync.MaxBatchSize,
		Retry: worker.RetryPolicy{
			InitialDelay:  cfg.Sync.Backoff.Initial,
			MaxDelay:      cfg.Sync.Backoff.Max,
			BackoffFactor: cfg.Sync.Backoff.Factor,
		},
	})

	userService := service.NewUserService(users, queue, cm, clock, &logger)
	contentService := service.NewContentService(client, cfg.Backend.AppID, users, cm, cfg.Sync.ReadyTimeout, &logger)

	httpServer := api.NewHTTPServer(cfg.API, queue, contentService, rebuilder, &logger).
		WithUsers(userService, contentService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := queue.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start queue")
		return err
	}

	if db != nil {
		go database.NewSnapshotter(db, cfg.Database.Snapshot, clock, &logger).Run(ctx)
	}

	if cfg.Monitoring.PrometheusEnabled && !cfg.API.Enabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	return serve(ctx, queue, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	if cfg.Database.Path == "" {
		logger.Warn().Msg("database path not set, pending operations will not survive a restart")
		return nil, nil
	}
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)

	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initStore picks the queue store: SQLite when configured, memory otherwise,
// with Redis in front of it when available.
func initStore(cfg *config.Config, db *database.DB, redisClient *redis.Client, clock clockwork.Clock, logger *zerolog.Logger) worker.Store {
	var local worker.Store = repository.NewMemoryOperationStore()
	if db != nil {
		local = database.NewOperationStore(db)
	}
	if redisClient == nil {
		return local
	}
	primary := repository.NewRedisOperationStore(redisClient, cfg.Redis.Prefix)
	return repository.NewFailoverOperationStore(primary, local, clock, logger)
}

func initExecutors(cfg *config.Config, client backend.Client, tracker *newrecord.Tracker, rebuilder executor.Rebuilder, logger *zerolog.Logger) (*executor.Registry, error) {
	deps := executor.Deps{
		Client:    client,
		AppID:     cfg.Backend.AppID,
		Tracker:   tracker,
		Rebuilder: rebuilder,
		Logger:    logger,
	}
	registry, err := executor.NewRegistry(
		executor.NewUserExecutor(deps),
		executor.NewPropertiesExecutor(deps),
		executor.NewIdentityExecutor(deps),
		executor.NewSubscriptionExecutor(deps),
		executor.NewEventExecutor(deps),
	)
	if err != nil {
		return nil, fmt.Errorf("register executors: %w", err)
	}
	return registry, nil
}

// subscribeAudit logs operations that were dropped rather than applied.
func subscribeAudit(bus *events.EventBus, logger *zerolog.Logger) {
	audit := logger.With().Str("component", "audit").Logger()
	handler := func(event *events.Event) error {
		var payload events.OperationEventPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		audit.Warn().
			Str("event", event.Type).
			Str("owner", payload.OwnerKey).
			Str("op_id", payload.OperationID).
			Str("kind", payload.Kind).
			Str("reason", payload.Reason).
			Int("count", payload.Count).
			Msg("operation dropped")
		return nil
	}
	bus.Subscribe(events.EventOperationFailed, handler)
	bus.Subscribe(events.EventOperationsDiscarded, handler)
}

func serve(ctx context.Context, queue *worker.Queue, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if !cfg.API.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Bool("api", cfg.API.Enabled).Int("http_port", cfg.API.Port).Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.API.Enabled {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	done := make(chan error, 1)
	go func() { done <- queue.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("queue stopped with error")
		}
	case <-shutdownCtx.Done():
		logger.Warn().Int("pending", queue.Len()).Msg("queue did not drain before shutdown timeout")
	}

	logger.Info().Int("pending", queue.Len()).Msg("sync daemon stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
