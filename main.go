package main

import (
	"context"
	"log"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/alert"
	"market-intel-backend/internal/database"
	"market-intel-backend/internal/dbmon"
	"market-intel-backend/internal/indicator"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/market"
	"market-intel-backend/internal/outcome"
	"market-intel-backend/internal/pattern"
	"market-intel-backend/internal/scheduler"
	"market-intel-backend/internal/secrets"
	"market-intel-backend/internal/signal"
)

// slowQueryStore defers the repository binding so the query monitor can
// be installed as a pool hook before the pool exists.
type slowQueryStore struct {
	repo *database.Repository
}

func (s *slowQueryStore) InsertSlowQueries(ctx context.Context, entries []dbmon.SlowQueryLog) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.InsertSlowQueries(ctx, entries)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    cfg.LoggingConfig.Output,
		Console:   cfg.LoggingConfig.Console,
		Component: "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Overlay alert channel secrets from Vault
	vault, err := secrets.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if vault.IsEnabled() {
		creds, err := vault.ChannelCredentials(ctx)
		if err != nil {
			logger.Warn("vault credentials unavailable, using configured values", "error", err)
		} else {
			creds.Apply(&cfg.AlertConfig)
			logger.Info("alert channel credentials loaded from vault")
		}
	}

	// Alert dispatcher
	alerts := alert.NewDispatcher(&cfg.AlertConfig, logger)
	logger.Info("alert dispatcher initialized",
		"enabled", cfg.AlertConfig.Enabled,
		"rate_limit_per_hour", cfg.AlertConfig.RateLimitPerHour)

	// Query monitor with its slow-query writer. The writer's store binds
	// to the repository after the pool is up.
	store := &slowQueryStore{}
	writer := dbmon.NewSlowQueryWriter(store,
		cfg.MonitorConfig.BatchSize,
		time.Duration(cfg.MonitorConfig.FlushIntervalSeconds)*time.Second,
		logger)
	monitor := dbmon.NewMonitor(&cfg.MonitorConfig, writer, alerts, logger)

	// Database with the monitor installed as pool hooks
	hooks := &database.Hooks{
		Tracer:        monitor,
		AfterConnect:  monitor.ConnConnected,
		BeforeAcquire: monitor.ConnAcquired,
		AfterRelease:  monitor.ConnReleased,
		BeforeClose:   monitor.ConnClosed,
	}
	db, err := database.NewDB(&cfg.DatabaseConfig, &cfg.PoolConfig, hooks, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db, logger)
	store.repo = repo
	writer.Start()

	// Pool manager samples the live pool; resizes are recorded for the
	// next boot since pgx pools are sized at construction.
	poolMgr := dbmon.NewPoolManager(&cfg.PoolConfig,
		dbmon.NewPgxSnapshotSource(db, monitor),
		dbmon.NewRecordingResizer(logger),
		alerts, logger)

	// Market data: cache, provider with retry, optional Redis price store
	cache := market.NewCache(cfg.CacheConfig.MaxBarsPerSeries,
		time.Duration(cfg.CacheConfig.TTLSeconds)*time.Second)
	provider := market.NewRetryingProvider(
		market.NewHTTPProvider(cfg.ProviderConfig.BaseURL),
		market.RetryPolicy{
			Base:       cfg.ProviderConfig.RetryBase,
			Cap:        cfg.ProviderConfig.RetryCap,
			MaxRetries: cfg.ProviderConfig.MaxRetries,
		})

	var priceStore *market.LastPriceStore
	if cfg.RedisConfig.Enabled {
		priceStore = market.NewLastPriceStore(market.LastPriceStoreConfig{
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		}, logger)
		defer priceStore.Close()
		logger.Info("price store initialized", "healthy", priceStore.Healthy())
	}

	// Detection pipeline
	engine := indicator.NewEngine()
	detector := signal.NewDetector(&cfg.DetectorConfig, engine, logger)

	var storedPrices outcome.StoredPrices
	if priceStore != nil {
		storedPrices = priceStore
	}
	tracker := outcome.NewTracker(&cfg.OutcomeConfig, repo, cache, storedPrices, provider, logger)
	analyser := pattern.NewAnalyser(&cfg.PatternConfig, repo, logger)

	var priceRecorder scheduler.PriceRecorder
	if priceStore != nil {
		priceRecorder = priceStore
	}
	sched := scheduler.NewScheduler(cfg, cache, provider, detector, repo,
		tracker, analyser, poolMgr, alerts, priceRecorder, logger)

	// Optional websocket bar feed
	var stream *market.Stream
	if cfg.ProviderConfig.StreamEnabled && cfg.ProviderConfig.StreamURL != "" {
		stream = market.NewStream(cfg.ProviderConfig.StreamURL, func(bar market.Bar) {
			sched.OnBar(ctx, bar)
		}, logger)
		stream.Start(ctx)
		logger.Info("bar stream started", "url", cfg.ProviderConfig.StreamURL)
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	logger.Info("pipeline started",
		"symbols", cfg.DetectorConfig.Symbols,
		"timeframes", cfg.DetectorConfig.Timeframes)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	osignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Stop intake first, then periodic tasks, then drain the writer.
		if stream != nil {
			stream.Stop()
		}
		sched.Stop()
		cancel()
		writer.Stop()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error("shutdown grace period exceeded, exiting")
		os.Exit(1)
	}
}
