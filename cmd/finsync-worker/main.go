package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/database"
	"github.com/vipul43/finsync-worker/internal/httpapi"
	"github.com/vipul43/finsync-worker/internal/lock"
	"github.com/vipul43/finsync-worker/internal/logging"
	"github.com/vipul43/finsync-worker/internal/metrics"
	"github.com/vipul43/finsync-worker/internal/oauthstate"
	"github.com/vipul43/finsync-worker/internal/repository"
	"github.com/vipul43/finsync-worker/internal/secrets"
	"github.com/vipul43/finsync-worker/internal/service"
	"github.com/vipul43/finsync-worker/internal/tasks"
	"github.com/vipul43/finsync-worker/internal/watcher"
	"github.com/vipul43/finsync-worker/internal/wise"
)

// lockTTL bounds how long a crashed worker can hold a Redis sync lock
const lockTTL = 2 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Application error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)
	log.Info().Msg("Database connected successfully")

	if err := database.RunMigrations(db); err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	cipher, err := secrets.NewCipher(cfg.Wise.PublicKey, cfg.Wise.PrivateKey)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Initialize repositories
	credRepo := repository.NewCredentialRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	integrationRepo := repository.NewIntegrationRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	factory := &wise.Factory{
		Credentials: credRepo,
		Settings:    settingsRepo,
		Stores: wise.Stores{
			Credentials: credRepo,
			Data:        repository.NewWiseRepository(db),
			Bank:        repository.NewBankRepository(db),
			Webhooks:    webhookRepo,
			Transfers:   repository.NewTransferRepository(db),
			Audit:       auditRepo,
		},
		Cipher: cipher,
		Config: cfg.Wise,
	}

	queue := newQueue(ctx, rdb)
	locker := newLocker(ctx, cfg.LockBackend, db, rdb)

	syncService := service.NewSyncService(
		locker,
		repository.NewSyncRunRepository(db),
		credRepo,
		webhookRepo,
		auditRepo,
		func(companyID int64, environment string) service.SyncConnector {
			return factory.Connector(companyID, environment)
		},
		cfg.Wise.DefaultEnvironment,
	)

	connectService := service.NewConnectService(service.ConnectDeps{
		Config:        cfg.Wise,
		Signer:        oauthstate.NewSigner(cfg.SecretKey),
		Cipher:        cipher,
		Credentials:   credRepo,
		Settings:      settingsRepo,
		Integrations:  integrationRepo,
		Subscriptions: webhookRepo,
		Audit:         auditRepo,
		Dispatcher:    queue,
		Locker:        locker,
		Clients: func(companyID int64, environment string) service.ProviderClient {
			return factory.Client(companyID, environment)
		},
	})
	defer connectService.Stop()

	webhookService := service.NewWebhookService(service.WebhookDeps{
		Config:           cfg.Wise,
		PrimaryCompanyID: cfg.PrimaryCompanyID,
		Subscriptions:    webhookRepo,
		Receipts:         webhookRepo,
		Settings:         settingsRepo,
		Cipher:           cipher,
		Dispatcher:       queue,
		Audit:            auditRepo,
	})

	pool := tasks.NewPool(queue, cfg.WorkerConcurrency)
	for name, h := range syncService.Handlers() {
		pool.Handle(name, h)
	}

	w := watcher.New(credRepo, queue, time.Duration(cfg.SyncInterval)*time.Minute)

	opts := []httpapi.Option{httpapi.WithHealthCheck(func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})}
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	} else {
		opts = append(opts, httpapi.WithMetrics(prometheus.DefaultGatherer))
	}
	e := httpapi.NewServer(connectService, webhookService, cfg.Wise.DefaultEnvironment, opts...).New()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 3)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	var runErr error
	select {
	case <-sigChan:
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("Component failed, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	// in-flight tasks finish on their own context
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, abandoning in-flight tasks")
	}

	log.Info().Msg("Application stopped")
	return runErr
}

// newQueue prefers Redis so the API and workers can be scaled apart. Without
// Redis the process queues to itself.
func newQueue(ctx context.Context, rdb *redis.Client) interface {
	tasks.Dispatcher
	tasks.Source
} {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-process task queue")
		return tasks.NewMemoryQueue(1000)
	}
	log.Info().Str("key", tasks.DefaultQueueKey).Msg("Using Redis task queue")
	return tasks.NewRedisQueue(rdb, tasks.DefaultQueueKey)
}

func newLocker(ctx context.Context, backend string, db *gorm.DB, rdb *redis.Client) lock.Locker {
	if backend == "redis" {
		return lock.NewRedisLocker(ctx, rdb, lockTTL)
	}
	return lock.NewPostgresLocker(ctx, db)
}
