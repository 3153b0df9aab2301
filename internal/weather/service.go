package weather

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/observability"
)

// Service serves observation reads and edits. Reads go through the cache and
// fill it from the store on a miss; writes hit the store first and then
// refresh or evict the cached entry.
//
// The ingestion pipeline writes to the store directly, so Latest can return a
// cached observation that is older than the newest stored one until the entry
// is evicted.
type Service struct {
	store    Store
	cache    ObservationCache
	averages AverageStore
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewService creates a new Service.
func NewService(store Store, cache ObservationCache, averages AverageStore, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		averages: averages,
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the observation with the given id.
func (s *Service) Get(ctx context.Context, id string) (Observation, error) {
	if obs, ok := s.cache.GetByID(id); ok {
		s.lookup("id", "hit")
		return obs, nil
	}
	s.lookup("id", "miss")

	obs, err := s.store.GetObservation(ctx, id)
	if err != nil {
		return Observation{}, err
	}
	s.rememberIfCurrent(obs)
	return obs, nil
}

// Latest returns the newest observation of a location.
func (s *Service) Latest(ctx context.Context, location string) (Observation, error) {
	if obs, ok := s.cache.GetByLocation(location); ok {
		s.lookup("location", "hit")
		return obs, nil
	}
	s.lookup("location", "miss")

	obs, err := s.store.LatestByLocation(ctx, location)
	if err != nil {
		return Observation{}, err
	}
	s.remember(obs)
	return obs, nil
}

// Update changes the temperature and, when given, the condition type of an
// observation.
func (s *Service) Update(ctx context.Context, id string, upd UpdateObservation) (Observation, error) {
	if upd.TemperatureC == nil {
		return Observation{}, fmt.Errorf("update observation %s: temperature is required", id)
	}
	current, err := s.store.GetObservation(ctx, id)
	if err != nil {
		return Observation{}, err
	}
	current.TemperatureC = *upd.TemperatureC
	if upd.ConditionTypeName != "" {
		current.ConditionTypeName = upd.ConditionTypeName
	}

	updated, err := s.store.UpdateObservation(ctx, current)
	if err != nil {
		return Observation{}, err
	}
	s.rememberIfCurrent(updated)
	return updated, nil
}

// Delete removes one observation.
func (s *Service) Delete(ctx context.Context, id string) (Observation, error) {
	deleted, err := s.store.DeleteObservation(ctx, id)
	if err != nil {
		return Observation{}, err
	}
	if err := s.cache.Delete(deleted); err != nil {
		s.logger.Warn("cache delete failed", zap.String("id", id), zap.Error(err))
	}
	return deleted, nil
}

// DeleteLocation removes a location with all its observations and its
// recorded average. It returns the number of deleted observations.
func (s *Service) DeleteLocation(ctx context.Context, name string) (int, error) {
	removed, err := s.store.DeleteLocation(ctx, name)
	if err != nil {
		return 0, err
	}
	evicted := s.cache.DeleteLocation(name)
	if s.averages != nil {
		if err := s.averages.Forget(ctx, name); err != nil {
			s.logger.Warn("forget average failed", zap.String("location", name), zap.Error(err))
		}
	}
	s.logger.Info("location deleted",
		zap.String("location", name),
		zap.Int("observations", len(removed)),
		zap.Int("evicted", evicted))
	return len(removed), nil
}

// Average returns the last recorded moving average of a location.
func (s *Service) Average(ctx context.Context, location string) (MovingAverage, error) {
	if s.averages == nil {
		return MovingAverage{}, ErrNotFound
	}
	return s.averages.Get(ctx, location)
}

// Health reports whether the backing store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

func (s *Service) remember(obs Observation) {
	if err := s.cache.Put(obs); err != nil {
		s.logger.Warn("cache put failed", zap.String("id", obs.ID), zap.Error(err))
	}
}

// rememberIfCurrent caches obs unless a newer observation of the same location
// is cached, since Put would point the location key at obs. A stale copy of obs
// is dropped instead.
func (s *Service) rememberIfCurrent(obs Observation) {
	cached, ok := s.cache.GetByLocation(obs.LocationName)
	if !ok || cached.ID == obs.ID || !obs.Timestamp.Before(cached.Timestamp) {
		s.remember(obs)
		return
	}
	if _, ok := s.cache.GetByID(obs.ID); ok {
		if err := s.cache.Delete(obs); err != nil {
			s.logger.Warn("cache delete failed", zap.String("id", obs.ID), zap.Error(err))
		}
	}
}

func (s *Service) lookup(index, result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(index, result).Inc()
	}
}
