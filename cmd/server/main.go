package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wallet_ledger/internal/config"
	"wallet_ledger/internal/events"
	"wallet_ledger/internal/handlers"
	"wallet_ledger/internal/logging"
	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/policy"
	"wallet_ledger/internal/repository"
	"wallet_ledger/internal/service"
	"wallet_ledger/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger := logging.SetupLogger(cfg.LogLevel)

	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	poolConfig, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		logger.Error("failed to parse db config", "err", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "err", err)
		os.Exit(1)
	}

	rdb := repository.NewRedisClient(repository.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	snapshots := repository.NewSnapshotRedisStore(rdb, cfg.SnapshotTTL)
	if err := snapshots.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, snapshots and events will fail until it recovers", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheus(reg)

	repo := repository.NewWalletPGRepository(pool, logger)
	types := service.NewTypeRegistry(repo)
	publisher := events.NewPublisher(rdb, logger)

	svc := service.NewLedgerService(repo, policy.NewStaticProvider(cfg.Policy), recorder, logger,
		service.WithEvents(publisher),
		service.WithSnapshots(snapshots),
		service.WithMaxRetries(cfg.EngineMaxRetries),
		service.WithTypeRegistry(types),
	)
	handler := handlers.NewWalletHTTPHandler(svc)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	sweeper := worker.NewCommissionSweeper(repo, types, recorder, logger, cfg.SweeperInterval, cfg.SweeperBatchSize).
		WithEvents(publisher)
	snapshotter := worker.NewSnapshotPublisher(repo, snapshots, recorder, logger, cfg.SnapshotInterval, cfg.SnapshotPageSize)
	subscriber := events.NewCommissionSubscriber(rdb, svc, logger)
	if err := subscriber.Start(workerCtx); err != nil {
		logger.Warn("commission intake disabled", "err", err)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		snapshotter.Run(workerCtx)
	}()

	r := gin.Default()
	handler.RegisterRoutes(r)
	handlers.RegisterMetrics(r, reg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	stopWorkers()
	wg.Wait()
	logger.Info("Server exiting")
}
