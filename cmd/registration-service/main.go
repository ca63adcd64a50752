package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-registration/internal/admission"
	"ms-registration/internal/admission/api"
	admissiondb "ms-registration/internal/admission/db"
	admissionredis "ms-registration/internal/admission/redis"
	"ms-registration/internal/config"
	"ms-registration/internal/confirmation"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/kafka"
	"ms-registration/internal/logger"
)

func main() {
	ctx := context.Background()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLogger("registration-service")
	defer log.Close()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	runner := migrations.NewRunner(bunDB, cfg.Database.MigrationsDir)
	if err := runner.MigrateUp(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}
	log.Info("DATABASE", "Schema is up to date")

	// --- Redis Setup (advisory active-batch cache) ---
	var cache admission.BatchCache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unavailable, running without batch cache: %v", err))
		} else {
			cache = admissionredis.NewBatchCache(redisClient)
			log.Info("REDIS", "Connected")
		}
	}

	// --- Kafka Setup ---
	var producer admission.Publisher
	if cfg.Kafka.Enabled {
		topics := []string{
			cfg.Kafka.Topics.RegistrationCreated,
			cfg.Kafka.Topics.RegistrationCancelled,
			cfg.Kafka.Topics.BatchExhausted,
			cfg.Kafka.Topics.BatchActivated,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic bootstrap failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics)
		log.Info("KAFKA", "Producer ready")
	}

	// --- Admission Engine ---
	dbLayer := &admissiondb.DB{Bun: bunDB}
	lifecycle := admission.NewBatchLifecycleManager(dbLayer, producer, cache, log)
	fees := admission.NewFeeCalculator(cfg.Admission.ConvenienceFeePercent, cfg.Admission.ConvenienceFeeMinimum)
	service := admission.NewAdmissionService(dbLayer, lifecycle, producer, cache, fees, log)
	service.Timeout = cfg.Admission.Timeout
	qrGen := confirmation.NewQRGenerator(cfg.Admission.QRSecret)
	handler := api.NewHandler(service, qrGen, log)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go lifecycle.Run(sweepCtx, cfg.Admission.LifecycleSweepInterval)

	// --- Router ---
	r := chi.NewRouter()
	r.Get("/health", handler.Health)
	r.Post("/api/v1/registrations", handler.AdmitRegistration)
	r.Get("/api/v1/registrations/{registrationId}", handler.GetRegistration)
	r.Post("/api/v1/registrations/{registrationId}/cancel", handler.CancelRegistration)
	r.Get("/api/v1/registrations/{registrationId}/qr", handler.ConfirmationQR)
	r.Get("/api/v1/events/{eventId}/batches/current", handler.CurrentBatch)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", fmt.Sprintf("Registration service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("SERVER", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("SERVER", "Shutdown signal received, cleaning up...")
	stopSweep()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal("SERVER", fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	log.Info("SERVER", "Server exited gracefully")
}
