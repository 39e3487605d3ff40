package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sango-pay/sango_pay/internal/config"
	"github.com/sango-pay/sango_pay/internal/infra"
	"github.com/sango-pay/sango_pay/internal/logging"
	"github.com/sango-pay/sango_pay/internal/routes"
	"github.com/sango-pay/sango_pay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	// DATABASE_URL is optional in dev; the ledger falls back to memory.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, payments held in memory only")
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	// Kafka is optional in dev; events stay on the in-process bus.
	var producer sarama.SyncProducer
	var consumer sarama.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = infra.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Error("connect kafka producer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "error", err)
			}
		}()

		consumer, err = infra.NewKafkaConsumer(cfg.KafkaBrokers)
		if err != nil {
			logger.Error("connect kafka consumer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set, events stay in process")
	}

	srv, err := server.New(routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Producer: producer,
		Consumer: consumer,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
