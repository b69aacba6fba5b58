package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stock-reservation-service/internal/api"
	"stock-reservation-service/internal/bootstrap"
	"stock-reservation-service/internal/config"
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
		Msg("Starting Queue Service")

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Queue Service failed")
	}
	log.Info().Msg("Queue Service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing := bootstrap.InitTracing(cfg, "queue")
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

	if cfg.SeedFile != "" {
		if err := seedStock(ctx, stockService, cfg.SeedFile); err != nil {
			return err
		}
	}

	handler := api.NewStockHandler(stockService, saga, stores.Ping, gatherer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bootstrap.RunHTTPServer(gctx, cfg, handler.SetupQueueRoutes(), "Queue Service")
	})

	// Nothing else can see an in-memory store, so expiry runs here.
	if cfg.StoreBackend == config.StoreBackendMemory {
		g.Go(func() error {
			return stockService.RunExpirationSweeper(gctx, cfg.SweepInterval)
		})
	}

	return g.Wait()
}

func seedStock(ctx context.Context, stockService *service.StockService, path string) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}

	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	created, err := stockService.SeedStock(seedCtx, seed.Levels())
	if err != nil {
		return fmt.Errorf("failed to seed stock: %w", err)
	}

	log.Info().
		Str("file", path).
		Int("products", len(seed.Products)).
		Int("created", created).
		Msg("Stock seed applied")
	return nil
}
