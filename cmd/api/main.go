package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/api"
	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/kafka"
	"stock-reservation-service/internal/metrics"
	redisCache "stock-reservation-service/internal/redis"
	"stock-reservation-service/internal/repository"
	"stock-reservation-service/internal/service"
)

// setupLogging configures structured logging
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// initializeDatabase sets up and tests the database connection
func initializeDatabase(cfg *config.Config) *sqlx.DB {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	log.Info().Msg("Database connection established")
	return db
}

// initializeCache sets up the Redis availability display cache
func initializeCache(cfg *config.Config) *redisCache.CacheClient {
	cache := redisCache.NewCacheClient(
		cfg.RedisAddrs,
		cfg.RedisPassword,
		cfg.RedisClusterMode,
		cfg.RedisTTL,
		cfg.RedisKeyPrefix,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	log.Info().Msg("Redis connection established")

	return cache
}

// startHTTPServer starts the HTTP server
func startHTTPServer(cfg *config.Config, handler *api.EngineHandler) *http.Server {
	router := handler.SetupRoutes()

	serverAddr := fmt.Sprintf("%s:%s", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("address", serverAddr).Msg("Reservation API server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	return server
}

// startOutboxWorker starts the outbox publisher with advisory locks
func startOutboxWorker(ctx context.Context, cfg *config.Config, db *sqlx.DB, publisher *kafka.Publisher) {
	outboxRepo := repository.NewOutboxRepository(db)

	go func() {
		log.Info().Msg("Outbox publisher with advisory locks started")
		publisher.RunOutboxPublisher(ctx, outboxRepo, kafka.OutboxPublisherConfig{
			LockKey:      cfg.OutboxLockKey,
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: cfg.OutboxPollInterval,
		})
		log.Warn().Msg("Outbox publisher stopped")
	}()
}

// gracefulShutdown waits for a signal and drains the HTTP server
func gracefulShutdown(server *http.Server, cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down Reservation API...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Reservation API stopped")
}

func main() {
	cfg := config.LoadConfig()
	setupLogging(cfg)
	log.Info().Str("instance_id", cfg.InstanceID).Msg("Starting Reservation API...")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db := initializeDatabase(cfg)
	defer db.Close()

	cache := initializeCache(cfg)
	defer cache.Close()

	publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaReservationEventsTopic)
	defer publisher.Close()

	engineMetrics := metrics.New(cfg.ServiceName)

	repo := repository.NewStockRepository(db, cfg.LockWaitTimeout)

	validator := service.NewStockValidator(repo, cache)
	manager, err := service.NewReservationManager(repo, cache, engineMetrics, service.ManagerConfig{
		ReservationTTL: cfg.ReservationTTL,
		MaxLineQty:     cfg.MaxLineQty,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reservation manager")
	}
	committer := service.NewStockCommitter(repo, cache, engineMetrics)
	lifecycle := service.NewOrderLifecycle(manager, committer)

	handler := api.NewEngineHandler(validator, manager, lifecycle, repo, cache, engineMetrics)
	server := startHTTPServer(cfg, handler)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	startOutboxWorker(workerCtx, cfg, db, publisher)

	gracefulShutdown(server, workerCancel)
}
