package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = weather.ErrNotFound
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = weather.ErrConflict
)

type observationKey struct {
	locationID string
	observedAt int64
}

func keyOf(locationID string, ts time.Time) observationKey {
	return observationKey{locationID: locationID, observedAt: ts.UTC().UnixNano()}
}

// MemoryStore is a concurrency-safe in-memory implementation of weather.Store.
// InTx calls are serialized, which makes every transaction serializable.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	locations    map[string]weather.Location      // by name
	conditions   map[string]weather.ConditionType // by name
	observations map[string]weather.Observation   // by id
	byLocationTs map[observationKey]string

	newID func() string
}

var _ weather.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations:    make(map[string]weather.Location),
		conditions:   make(map[string]weather.ConditionType),
		observations: make(map[string]weather.Observation),
		byLocationTs: make(map[observationKey]string),
		newID:        uuid.NewString,
	}
}

func (s *MemoryStore) FindByLocationAndTimestamp(_ context.Context, locationName string, ts time.Time) (weather.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[locationName]
	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	id, ok := s.byLocationTs[keyOf(loc.ID, ts)]
	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	return s.observations[id], nil
}

func (s *MemoryStore) FindRecentByLocation(_ context.Context, locationName string, limit int) ([]weather.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(locationName, limit), nil
}

func (s *MemoryStore) recentLocked(locationName string, limit int) []weather.Observation {
	var result []weather.Observation
	for _, obs := range s.observations {
		if obs.LocationName == locationName {
			result = append(result, obs)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *MemoryStore) InsertObservation(_ context.Context, obs weather.Observation) (weather.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locationByIDLocked(obs.LocationID)
	if !ok {
		return weather.Observation{}, fmt.Errorf("insert observation: location %q: %w", obs.LocationID, ErrNotFound)
	}
	cond, ok := s.conditionByIDLocked(obs.ConditionTypeID)
	if !ok {
		return weather.Observation{}, fmt.Errorf("insert observation: condition type %q: %w", obs.ConditionTypeID, ErrNotFound)
	}

	key := keyOf(loc.ID, obs.Timestamp)
	if _, exists := s.byLocationTs[key]; exists {
		return weather.Observation{}, fmt.Errorf("insert observation %s@%s: %w", loc.Name, obs.Timestamp.UTC().Format(time.RFC3339), ErrConflict)
	}

	if obs.ID == "" {
		obs.ID = s.newID()
	}
	if _, exists := s.observations[obs.ID]; exists {
		return weather.Observation{}, fmt.Errorf("insert observation %s: %w", obs.ID, ErrConflict)
	}
	obs.LocationName = loc.Name
	obs.ConditionTypeName = cond.Name
	obs.Timestamp = obs.Timestamp.UTC()

	s.observations[obs.ID] = obs
	s.byLocationTs[key] = obs.ID
	return obs, nil
}

// InTx runs fn with exclusive access to the dimension tables. Rows created by
// fn are removed again if fn returns an error.
func (s *MemoryStore) InTx(ctx context.Context, _ sql.IsolationLevel, fn func(weather.DimensionTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetObservation(_ context.Context, id string) (weather.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, ok := s.observations[id]
	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	return obs, nil
}

func (s *MemoryStore) LatestByLocation(_ context.Context, locationName string) (weather.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.recentLocked(locationName, 1)
	if len(recent) == 0 {
		return weather.Observation{}, ErrNotFound
	}
	return recent[0], nil
}

// UpdateObservation replaces the temperature and condition of an existing
// observation. The condition type is resolved or created by name, under the
// same lock as InTx so a rollback cannot remove a row this update reuses.
func (s *MemoryStore) UpdateObservation(_ context.Context, obs weather.Observation) (weather.Observation, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.observations[obs.ID]
	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	if obs.ConditionTypeName != "" && obs.ConditionTypeName != current.ConditionTypeName {
		cond, _ := s.findOrCreateConditionLocked(obs.ConditionTypeName)
		current.ConditionTypeID = cond.ID
		current.ConditionTypeName = cond.Name
	}
	current.TemperatureC = obs.TemperatureC
	s.observations[current.ID] = current
	return current, nil
}

func (s *MemoryStore) DeleteObservation(_ context.Context, id string) (weather.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, ok := s.observations[id]
	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	delete(s.observations, id)
	delete(s.byLocationTs, keyOf(obs.LocationID, obs.Timestamp))
	return obs, nil
}

// DeleteLocation removes the location and every observation that references it.
func (s *MemoryStore) DeleteLocation(_ context.Context, name string) ([]weather.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[name]
	if !ok {
		return nil, ErrNotFound
	}
	var removed []weather.Observation
	for id, obs := range s.observations {
		if obs.LocationID == loc.ID {
			removed = append(removed, obs)
			delete(s.observations, id)
			delete(s.byLocationTs, keyOf(obs.LocationID, obs.Timestamp))
		}
	}
	delete(s.locations, name)
	return removed, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) locationByIDLocked(id string) (weather.Location, bool) {
	for _, loc := range s.locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return weather.Location{}, false
}

func (s *MemoryStore) conditionByIDLocked(id string) (weather.ConditionType, bool) {
	for _, c := range s.conditions {
		if c.ID == id {
			return c, true
		}
	}
	return weather.ConditionType{}, false
}

func (s *MemoryStore) findOrCreateConditionLocked(name string) (weather.ConditionType, bool) {
	if c, ok := s.conditions[name]; ok {
		return c, false
	}
	c := weather.ConditionType{ID: s.newID(), Name: name}
	s.conditions[name] = c
	return c, true
}

type memoryTx struct {
	store             *MemoryStore
	createdLocations  []string
	createdConditions []string
}

func (tx *memoryTx) FindOrCreateLocation(ctx context.Context, name string) (weather.Location, error) {
	if err := ctx.Err(); err != nil {
		return weather.Location{}, err
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if loc, ok := s.locations[name]; ok {
		return loc, nil
	}
	loc := weather.Location{ID: s.newID(), Name: name}
	s.locations[name] = loc
	tx.createdLocations = append(tx.createdLocations, name)
	return loc, nil
}

func (tx *memoryTx) FindOrCreateConditionType(ctx context.Context, name string) (weather.ConditionType, error) {
	if err := ctx.Err(); err != nil {
		return weather.ConditionType{}, err
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	c, created := s.findOrCreateConditionLocked(name)
	if created {
		tx.createdConditions = append(tx.createdConditions, name)
	}
	return c, nil
}

func (tx *memoryTx) rollback() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range tx.createdLocations {
		delete(s.locations, name)
	}
	for _, name := range tx.createdConditions {
		delete(s.conditions, name)
	}
}
