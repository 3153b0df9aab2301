package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/i474232898/weather-ingestion/internal/api/http"
	"github.com/i474232898/weather-ingestion/internal/average"
	"github.com/i474232898/weather-ingestion/internal/cache"
	"github.com/i474232898/weather-ingestion/internal/config"
	"github.com/i474232898/weather-ingestion/internal/ingest"
	"github.com/i474232898/weather-ingestion/internal/messaging"
	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/rotation"
	"github.com/i474232898/weather-ingestion/internal/scheduler"
	"github.com/i474232898/weather-ingestion/internal/store"
	"github.com/i474232898/weather-ingestion/internal/weather"
	"github.com/i474232898/weather-ingestion/internal/weather/providers"
)

const serviceName = "weather-ingestion"

type closableStore interface {
	weather.Store
	Close() error
}

type closableAverages interface {
	weather.AverageStore
	Close() error
}

type channel interface {
	messaging.Publisher
	messaging.Subscriber
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(serviceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	averages, err := openAverages(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = averages.Close() }()

	publisher, subscriber := openChannel(cfg, logger.With(zap.String("component", "messaging")))
	defer func() { _ = publisher.Close() }()
	defer func() { _ = subscriber.Close() }()

	locations, err := rotation.New(cfg.Locations)
	if err != nil {
		return err
	}

	// Shared HTTP client for outbound gateway calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	gateway := providers.NewWeatherAPIProvider(httpClient, providers.WeatherAPIConfig{
		APIKey:         cfg.WeatherAPIKey,
		BaseURL:        cfg.WeatherAPIBaseURL,
		CurrentPath:    cfg.WeatherCurrentPath,
		CircuitBreaker: cfg.CircuitBreakerEnabled,
	}, providers.NewLimiter(cfg.RateLimitName, cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger.With(zap.String("component", "gateway")), metrics)

	consumer := ingest.NewConsumer(st, averages, ingest.Config{
		Window:    cfg.AverageWindow,
		Precision: cfg.AveragePrecision,
	}, clock, logger.With(zap.String("component", "consumer")), metrics)

	sched := scheduler.New(scheduler.Config{
		Schedule:          cfg.IngestSchedule,
		Language:          cfg.Language,
		IncludeAirQuality: cfg.IncludeAirQuality,
		TickTimeout:       cfg.HTTPTimeout * 3,
	}, locations, gateway, publisher, clock, logger.With(zap.String("component", "scheduler")), metrics)

	service := weather.NewService(st, cache.New(cfg.CacheCapacity), averages,
		logger.With(zap.String("component", "service")), metrics)
	app := httpapi.NewApp(service, logger.With(zap.String("component", "http")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return subscriber.Run(gctx, consumer.Handle)
	})

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g.Go(func() error {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		return nil
	})

	logger.Info("weather ingestion started",
		zap.Strings("locations", locations.Names()),
		zap.String("schedule", cfg.IngestSchedule),
		zap.String("channel", cfg.ChannelBackend),
		zap.String("store", cfg.StoreDriver),
		zap.String("averages", cfg.AverageBackend))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (closableStore, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return store.OpenSQL(ctx, store.DialectSQLite, cfg.DatabaseURL)
	case "postgres":
		return store.OpenSQL(ctx, store.DialectPostgres, cfg.DatabaseURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openAverages(cfg *config.AppConfig) (closableAverages, error) {
	if cfg.AverageBackend == "redis" {
		return average.NewRedisSink(cfg.RedisURL)
	}
	return average.NewMemorySink(), nil
}

func openChannel(cfg *config.AppConfig, logger *zap.Logger) (messaging.Publisher, messaging.Subscriber) {
	if cfg.ChannelBackend == "kafka" {
		kcfg := messaging.KafkaConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaTopic,
			GroupID:   cfg.KafkaGroupID,
			Consumers: cfg.KafkaConsumers,
		}
		return messaging.NewKafkaPublisher(kcfg), messaging.NewKafkaSubscriber(kcfg, messaging.DefaultRetryPolicy, logger)
	}
	var ch channel = messaging.NewMemoryChannel(cfg.ChannelPartitions, 64, messaging.DefaultRetryPolicy, logger)
	return ch, ch
}
