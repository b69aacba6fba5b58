package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-reservation-service/internal/api"
	"stock-reservation-service/internal/bootstrap"
	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/kafka"
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
		Bool("cache_enabled", cfg.CacheEnabled).
		Msg("Starting Reader Service")

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Reader Service failed")
	}
	log.Info().Msg("Reader Service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing := bootstrap.InitTracing(cfg, "reader")
	defer shutdownTracing(context.Background())

	gatherer, _ := bootstrap.NewMetrics(cfg)

	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	reader := service.NewReaderService(stores.Stock, stores.Cache)
	handler := api.NewReaderHandler(reader, stores.Ping, gatherer)

	g, gctx := errgroup.WithContext(ctx)

	// State snapshots only matter when there is a cache to keep warm.
	if stores.Cache != nil {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup+"-reader", "", cfg.KafkaStateTopicName)
		defer func() {
			if err := consumer.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close consumer")
			}
		}()

		g.Go(func() error {
			return consumer.ConsumeState(gctx, reader)
		})
	}

	g.Go(func() error {
		return bootstrap.RunHTTPServer(gctx, cfg, handler.SetupReaderRoutes(), "Reader Service")
	})

	return g.Wait()
}
