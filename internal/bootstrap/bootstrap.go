// Package bootstrap wires configuration into the stores, telemetry and
// servers shared by the queue, processor and reader binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/config"
	"stock-reservation-service/internal/interfaces"
	"stock-reservation-service/internal/metrics"
	redisstore "stock-reservation-service/internal/redis"
	"stock-reservation-service/internal/repository"
	"stock-reservation-service/internal/service"
	"stock-reservation-service/internal/tracing"
)

// SetupLogging configures the global zerolog logger
func SetupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.IsProduction() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.With().
		Str("service", cfg.ServiceName).
		Str("instance_id", cfg.InstanceID).
		Logger()
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServiceConfig extracts the stock service settings
func ServiceConfig(cfg *config.Config) service.ServiceConfig {
	return service.ServiceConfig{
		ReservationTTL:    cfg.ReservationTTL,
		MaxReservationQty: cfg.MaxReservationQty,
		CacheTimeout:      cfg.CacheTimeout,
		SweepBatchSize:    cfg.SweepBatchSize,
	}
}

// Stores bundles the selected store backend and its connections
type Stores struct {
	Stock interfaces.StockStore
	Cache interfaces.CacheRepository // nil when caching is off
	DB    *sqlx.DB                   // nil unless the postgres backend is selected
	Redis goredis.UniversalClient    // nil when neither cache nor redis backend is used
}

// OpenStores connects the store backend named by cfg.StoreBackend and the cache
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	stores := &Stores{}

	needRedis := cfg.StoreBackend == config.StoreBackendRedis ||
		(cfg.CacheEnabled && cfg.StoreBackend != config.StoreBackendMemory)
	if needRedis {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		stores.Redis = client
		if cfg.CacheEnabled {
			stores.Cache = redisstore.NewCacheClient(client, cfg.RedisTTL, cfg.RedisKeyPrefix)
		}
	}

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		db, err := ConnectDatabase(cfg)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.DB = db

		repo := repository.NewStockRepository(db)
		if cfg.DatabaseAutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				stores.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			log.Info().Msg("Database schema migrated")
		}
		stores.Stock = repo
	case config.StoreBackendRedis:
		stores.Stock = redisstore.NewStockStore(stores.Redis, cfg.RedisKeyPrefix)
	case config.StoreBackendMemory:
		log.Warn().Msg("Using in-memory stock store, state is lost on restart")
		stores.Stock = repository.NewMemoryStore()
	default:
		stores.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	log.Info().
		Str("backend", cfg.StoreBackend).
		Bool("cache", stores.Cache != nil).
		Msg("Stock store ready")
	return stores, nil
}

// Ping checks every open connection
func (s *Stores) Ping(ctx context.Context) error {
	if err := s.Stock.Ping(ctx); err != nil {
		return fmt.Errorf("stock store: %w", err)
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases every open connection
func (s *Stores) Close() {
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}

	var err error
	switch {
	case s.Cache != nil:
		err = s.Cache.Close()
	case s.Redis != nil:
		err = s.Redis.Close()
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to close Redis client")
	}
}

// ConnectDatabase sets up and tests the database connection
func ConnectDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxIdleTime(30 * time.Second)

	log.Info().Int("max_conns", cfg.DatabaseMaxConns).Msg("Database connection established")
	return db, nil
}

func connectRedis(ctx context.Context, cfg *config.Config) (goredis.UniversalClient, error) {
	client := redisstore.NewUniversalClient(redisstore.ClientOptions{
		Addrs:       cfg.RedisAddrs,
		Password:    cfg.RedisPassword,
		ClusterMode: cfg.RedisClusterMode,
		PoolSize:    cfg.RedisPoolSize,
		MaxRetries:  cfg.RedisMaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().
		Strs("addrs", cfg.RedisAddrs).
		Bool("cluster_mode", cfg.RedisClusterMode).
		Msg("Redis connection established")
	return client, nil
}

// NewMetrics returns a registry with runtime collectors and the service
// metrics, or nils when metrics are disabled
func NewMetrics(cfg *config.Config) (prometheus.Gatherer, *metrics.Metrics) {
	if !cfg.EnableMetrics {
		return nil, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

// InitTracing installs the Jaeger exporter when tracing is enabled. The
// returned function flushes pending spans.
func InitTracing(cfg *config.Config, component string) func(context.Context) {
	if !cfg.EnableDistributedTracing {
		return func(context.Context) {}
	}

	tp, err := tracing.InitTracerProvider(cfg.ServiceName+"-"+component, cfg.InstanceID, cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracing, continuing without it")
		return func(context.Context) {}
	}
	return func(ctx context.Context) {
		tracing.Shutdown(ctx, tp)
	}
}

// RunHTTPServer serves handler until ctx is done, then shuts down gracefully
func RunHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler, name string) error {
	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Msg(name + " HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s HTTP server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg(name + " stopped")
	return nil
}
