package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
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

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

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

// startHealthServer exposes health and metrics for the worker
func startHealthServer(cfg *config.Config, engineMetrics *metrics.EngineMetrics) *http.Server {
	handler := api.NewWorkerHandler(engineMetrics)
	router := handler.SetupWorkerRoutes()

	serverAddr := fmt.Sprintf("%s:%s", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", serverAddr).Msg("Worker health server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start health server")
		}
	}()

	return server
}

func main() {
	cfg := config.LoadConfig()
	setupLogging(cfg)
	log.Info().Str("instance_id", cfg.InstanceID).Msg("Starting Reservation Worker...")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db := initializeDatabase(cfg)
	defer db.Close()

	cache := initializeCache(cfg)
	defer cache.Close()

	engineMetrics := metrics.New(cfg.ServiceName + "-worker")

	repo := repository.NewStockRepository(db, cfg.LockWaitTimeout)
	outboxRepo := repository.NewOutboxRepository(db)

	manager, err := service.NewReservationManager(repo, cache, engineMetrics, service.ManagerConfig{
		ReservationTTL: cfg.ReservationTTL,
		MaxLineQty:     cfg.MaxLineQty,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reservation manager")
	}
	committer := service.NewStockCommitter(repo, cache, engineMetrics)
	lifecycle := service.NewOrderLifecycle(manager, committer)

	reaper, err := service.NewExpiryReaper(repo, outboxRepo, cache, engineMetrics, service.ReaperConfig{
		Interval:  cfg.ReaperInterval,
		BatchSize: cfg.ReaperBatchSize,
		LockKey:   cfg.ReaperLockKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create expiry reaper")
	}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaOrderEventsTopic)
	defer consumer.Close()

	healthServer := startHealthServer(cfg, engineMetrics)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.ConsumeOrderEvents(ctx, lifecycle); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Order event consumer stopped with error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down Reservation Worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health server forced to shutdown")
	}

	wg.Wait()
	log.Info().Msg("Reservation Worker stopped")
}
