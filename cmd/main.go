package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/catalog"
	"github.com/fjod/tableorder/internal/config"
	h "github.com/fjod/tableorder/internal/http"
	"github.com/fjod/tableorder/internal/keylock"
	"github.com/fjod/tableorder/internal/poller"
	"github.com/fjod/tableorder/internal/publisher"
	"github.com/fjod/tableorder/internal/repository"
	"github.com/fjod/tableorder/internal/service"
	"github.com/fjod/tableorder/internal/session"
	"github.com/fjod/tableorder/internal/telemetry"
	"github.com/fjod/tableorder/pkg/circuitbreaker"
	"github.com/fjod/tableorder/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tableorder stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", slog.Any("error", err))
		}
	}()

	// Durable store
	repo, err := repository.NewRepository(&repository.Credentials{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
		SSLMode:  cfg.Postgres.SSLMode,
	}, cfg.StoreTimeout)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.RunMigrations(); err != nil {
		return err
	}
	log.Info("connected to postgres", slog.String("host", cfg.Postgres.Host), slog.String("db", cfg.Postgres.DBName))

	menuRepo, err := catalog.NewRepository(cfg.CatalogDBPath)
	if err != nil {
		return err
	}
	defer menuRepo.Close()
	if err := menuRepo.RunMigrations(); err != nil {
		return err
	}

	// Cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// the engine serves from the store while redis is down
		log.Warn("redis ping failed, starting without cache", slog.Any("error", err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:                "redis",
		MaxRequests:         cfg.Breaker.HalfOpenRequests,
		Timeout:             cfg.Breaker.OpenTimeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		Ignore:              []error{cache.ErrCacheMiss},
	}, log)
	layer := cache.NewLayer(cache.NewRedisCache(redisClient, cfg.CacheNamespace, cfg.CacheTTL), cache.Options{
		Timeout: cfg.CacheTimeout,
		Breaker: breaker,
		Logger:  log,
	})

	menu := catalog.NewCachedCatalog(menuRepo, layer)
	resolver := session.NewResolver(repo)
	locks := keylock.New()
	opts := service.Options{
		LockTimeout: cfg.LockTimeout,
		MaxQuantity: cfg.MaxItemQuantity,
		Currency:    cfg.Currency,
		Logger:      log,
	}
	carts := service.NewCartService(repo, resolver, menu, layer, locks, opts)
	orders := service.NewOrderService(repo, resolver, menu, layer, locks, opts)

	router := h.NewRouter(h.Handlers{
		Cart:   h.NewCartHandler(carts, cfg.RequestTimeout, log),
		Orders: h.NewOrdersHandler(orders, cfg.RequestTimeout, log),
		Admin:  h.NewAdminHandler(carts, layer, menu, menuRepo, repo, cfg.RequestTimeout, log),
	}, cfg.RequestTimeout)

	// Background workers
	sweeper := session.NewSweeper(repo, layer, cfg.SessionIdleTimeout, cfg.SessionSweepInterval, log)
	sweeper.Start()

	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var menuPoller *poller.MenuPoller
	if cfg.KafkaEnabled() {
		outbox := publisher.NewOutboxPoller(repo, cfg.OrderTopic, cfg.OutboxInterval, log, cfg.KafkaBrokers...)
		menuPoller = poller.NewMenuPoller(menu, layer, cfg.MenuTopic, cfg.MenuGroupID, log, cfg.KafkaBrokers...)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outbox.Run(workerCtx)
		}()
		go func() {
			defer wg.Done()
			menuPoller.Run(workerCtx)
		}()
		log.Info("kafka workers started", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		log.Warn("KAFKA_BROKERS not set, order events stay in the outbox")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("tableorder listening", slog.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case runErr = <-serveErr:
		log.Error("server error", slog.Any("error", runErr))
	}

	log.Info("shutting down tableorder...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.Any("error", err))
	}
	_ = sweeper.Close()
	stopWorkers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("workers stopped cleanly")
	case <-shutdownCtx.Done():
		log.Warn("workers didn't stop in time")
	}
	if menuPoller != nil {
		menuPoller.Close()
	}

	log.Info("tableorder stopped")
	return runErr
}
