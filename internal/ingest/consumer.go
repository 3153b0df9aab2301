// Package ingest persists draft observations delivered by the message channel
// and keeps the per-location moving average current.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/messaging"
	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

// Config controls the moving average.
type Config struct {
	Window    int
	Precision int
}

// DefaultConfig averages the latest 30 readings to three decimals.
var DefaultConfig = Config{Window: 30, Precision: 3}

// Result describes what Process did with a draft.
type Result struct {
	Observation weather.Observation
	Duplicate   bool
	Average     weather.MovingAverage
}

// Consumer is idempotent per (location, timestamp): redelivered drafts are
// acknowledged without writing.
type Consumer struct {
	store    weather.Store
	sink     weather.AverageSink
	cfg      Config
	clock    clockwork.Clock
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewConsumer(
	store weather.Store,
	sink weather.AverageSink,
	cfg Config,
	clock clockwork.Clock,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Consumer {
	if cfg.Window < 1 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Precision < 0 {
		cfg.Precision = DefaultConfig.Precision
	}
	return &Consumer{
		store:    store,
		sink:     sink,
		cfg:      cfg,
		clock:    clock,
		validate: validator.New(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Handle is the messaging.Handler. Malformed payloads are logged and
// acknowledged since redelivery cannot fix them. Store failures are returned
// so the channel redelivers.
func (c *Consumer) Handle(ctx context.Context, msg messaging.Message) error {
	draft, err := weather.DecodeDraft(msg.Value)
	if err != nil {
		c.metrics.ConsumerFailures.WithLabelValues("decode").Inc()
		c.logger.Error("dropping undecodable message", zap.String("key", msg.Key), zap.Error(err))
		return nil
	}
	if err := c.validate.Struct(draft); err != nil {
		c.metrics.ConsumerFailures.WithLabelValues("invalid").Inc()
		c.logger.Error("dropping invalid draft", zap.String("key", msg.Key), zap.Error(err))
		return nil
	}

	res, err := c.Process(ctx, draft)
	if err != nil {
		c.metrics.ConsumerFailures.WithLabelValues("store").Inc()
		return err
	}
	c.metrics.MessagesConsumed.Inc()

	if res.Duplicate {
		c.logger.Debug("draft already persisted",
			zap.String("location", draft.LocationName),
			zap.Time("timestamp", draft.Timestamp),
			zap.Int("attempt", msg.Attempt))
	}
	return nil
}

// Process runs the dedupe, resolve, insert and average steps for one draft.
func (c *Consumer) Process(ctx context.Context, draft weather.DraftObservation) (Result, error) {
	existing, err := c.store.FindByLocationAndTimestamp(ctx, draft.LocationName, draft.Timestamp)
	if err == nil {
		return c.duplicate(ctx, existing)
	}
	if !errors.Is(err, weather.ErrNotFound) {
		return Result{}, fmt.Errorf("check existing observation: %w", err)
	}

	var loc weather.Location
	var cond weather.ConditionType
	err = c.store.InTx(ctx, sql.LevelSerializable, func(tx weather.DimensionTx) error {
		var err error
		if loc, err = tx.FindOrCreateLocation(ctx, draft.LocationName); err != nil {
			return err
		}
		cond, err = tx.FindOrCreateConditionType(ctx, draft.ConditionTypeName)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolve dimensions: %w", err)
	}

	obs, err := c.store.InsertObservation(ctx, weather.Observation{
		LocationID:        loc.ID,
		LocationName:      loc.Name,
		ConditionTypeID:   cond.ID,
		ConditionTypeName: cond.Name,
		TemperatureC:      draft.TemperatureC,
		Timestamp:         draft.Timestamp,
	})
	if errors.Is(err, weather.ErrConflict) {
		// Another delivery of the same draft won the race.
		existing, findErr := c.store.FindByLocationAndTimestamp(ctx, draft.LocationName, draft.Timestamp)
		if findErr != nil {
			return Result{}, fmt.Errorf("load conflicting observation: %w", findErr)
		}
		return c.duplicate(ctx, existing)
	}
	if err != nil {
		return Result{}, fmt.Errorf("insert observation: %w", err)
	}

	avg, err := c.recomputeAverage(ctx, draft.LocationName)
	if err != nil {
		return Result{}, err
	}

	c.logger.Info("observation stored",
		zap.String("id", obs.ID),
		zap.String("location", obs.LocationName),
		zap.Float64("temperature_c", obs.TemperatureC),
		zap.Float64("moving_average", avg.Average),
		zap.Int("samples", avg.Samples))
	return Result{Observation: obs, Average: avg}, nil
}

// duplicate skips the write but still refreshes the average, so a redelivery
// after a failed sink write repairs it.
func (c *Consumer) duplicate(ctx context.Context, existing weather.Observation) (Result, error) {
	c.metrics.DuplicatesSkipped.Inc()
	avg, err := c.recomputeAverage(ctx, existing.LocationName)
	if err != nil {
		return Result{}, err
	}
	return Result{Observation: existing, Duplicate: true, Average: avg}, nil
}

func (c *Consumer) recomputeAverage(ctx context.Context, location string) (weather.MovingAverage, error) {
	recent, err := c.store.FindRecentByLocation(ctx, location, c.cfg.Window)
	if err != nil {
		return weather.MovingAverage{}, fmt.Errorf("load recent observations: %w", err)
	}
	avg := weather.AggregateReadings(location, recent, c.cfg.Precision, c.clock.Now().UTC())
	c.metrics.MovingAverage.WithLabelValues(location).Set(avg.Average)

	if c.sink != nil {
		if err := c.sink.Record(ctx, avg); err != nil {
			// The observation is stored; a stale average is refreshed by the next insert.
			c.metrics.ConsumerFailures.WithLabelValues("average").Inc()
			c.logger.Warn("recording moving average failed", zap.String("location", location), zap.Error(err))
		}
	}
	return avg, nil
}
