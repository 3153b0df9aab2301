package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/messaging"
	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

// ErrTickInProgress is returned by Tick when the previous tick has not finished.
var ErrTickInProgress = errors.New("scheduler: previous tick still running")

// LocationSource yields the next location to fetch.
type LocationSource interface {
	Next() string
}

// Config controls the fetch job.
type Config struct {
	// Schedule is a standard five-field cron expression evaluated in UTC.
	Schedule          string
	Language          string
	IncludeAirQuality bool
	// TickTimeout bounds a single fetch-and-publish cycle. Zero means 30s.
	TickTimeout time.Duration
}

// Scheduler fetches the current conditions of one rotated location per tick
// and publishes them as a draft observation keyed by location name.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config
	locations LocationSource
	gateway   weather.Gateway
	publisher messaging.Publisher
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics

	running atomic.Bool
}

// New creates a new Scheduler.
func New(
	cfg Config,
	locations LocationSource,
	gateway weather.Gateway,
	publisher messaging.Publisher,
	clock clockwork.Clock,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Scheduler {
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cfg:       cfg,
		locations: locations,
		gateway:   gateway,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// ValidateSchedule reports whether expr is a valid five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if err := ValidateSchedule(s.cfg.Schedule); err != nil {
		return err
	}

	_, err := s.scheduler.Cron(s.cfg.Schedule).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
		defer cancel()
		_ = s.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule fetch job: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Tick runs one fetch-and-publish cycle. Overlapping ticks are skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.Ticks.WithLabelValues("skipped").Inc()
		s.logger.Warn("skipping tick, previous tick still running")
		return ErrTickInProgress
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	err := s.tick(ctx)
	s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())

	if err != nil {
		s.metrics.Ticks.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.Ticks.WithLabelValues("success").Inc()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) error {
	location := s.locations.Next()
	log := s.logger.With(zap.String("location", location))

	snap, err := s.gateway.FetchCurrent(ctx, location, s.cfg.Language, s.cfg.IncludeAirQuality)
	if err != nil {
		log.Error("fetch current conditions failed", zap.Error(err))
		return fmt.Errorf("fetch %s: %w", location, err)
	}

	draft := snap.ToDraft()
	payload, err := weather.EncodeDraft(draft)
	if err != nil {
		log.Error("encode draft failed", zap.Error(err))
		return err
	}
	if err := s.publisher.Publish(ctx, draft.LocationName, payload); err != nil {
		log.Error("publish draft failed", zap.Error(err))
		return fmt.Errorf("publish %s: %w", location, err)
	}
	s.metrics.MessagesPublished.Inc()

	log.Info("draft observation published",
		zap.Time("observed_at", draft.Timestamp),
		zap.Float64("temperature_c", draft.TemperatureC),
		zap.String("condition", draft.ConditionTypeName))
	return nil
}
