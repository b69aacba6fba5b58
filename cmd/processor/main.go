package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-reservation-service/internal/api"
	"stock-reservation-service/internal/bootstrap"
	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/kafka"
	"stock-reservation-service/internal/repository"
	"stock-reservation-service/internal/service"
)

func main() {
	cfg := config.LoadConfig()
	bootstrap.SetupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("store_backend", cfg.StoreBackend).
		Str("orders_topic", cfg.KafkaOrdersTopicName).
		Msg("Starting Processor Service")

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Processor Service failed")
	}
	log.Info().Msg("Processor Service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn().Msg("Processor cannot share an in-memory store, expiry and order events only see local state")
	}

	shutdownTracing := bootstrap.InitTracing(cfg, "processor")
	defer shutdownTracing(context.Background())

	gatherer, m := bootstrap.NewMetrics(cfg)

	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	stockService, err := service.NewStockService(stores.Stock, stores.Cache, m, bootstrap.ServiceConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create stock service: %w", err)
	}
	saga := service.NewReservationSaga(stockService, m)
	orderEvents := service.NewOrderEventProcessor(saga, m)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaOrdersTopicName, "")
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close consumer")
		}
	}()

	handler := api.NewProcessorHandler(stockService, stores.Ping, gatherer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return stockService.RunExpirationSweeper(gctx, cfg.SweepInterval)
	})

	g.Go(func() error {
		return consumer.ConsumeOrderEvents(gctx, orderEvents)
	})

	// Only the postgres store writes outbox rows.
	if stores.DB != nil {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopicName, cfg.KafkaStateTopicName)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close publisher")
			}
		}()

		outbox := repository.NewOutboxRepository(stores.DB)
		g.Go(func() error {
			return publisher.RunOutboxPublisher(gctx, outbox, kafka.OutboxConfig{
				LockKey:         cfg.OutboxLockKey,
				BatchSize:       cfg.OutboxBatchSize,
				PollInterval:    cfg.OutboxPollInterval,
				Retention:       cfg.OutboxRetention,
				CleanupInterval: cfg.OutboxCleanupInterval,
			})
		})
	} else {
		log.Info().Str("backend", cfg.StoreBackend).Msg("Outbox relay disabled for this store backend")
	}

	g.Go(func() error {
		return bootstrap.RunHTTPServer(gctx, cfg, handler.SetupProcessorRoutes(), "Processor Service")
	})

	return g.Wait()
}
