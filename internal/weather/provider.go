package weather

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested observation or location does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Gateway abstracts the upstream current-conditions API.
type Gateway interface {
	FetchCurrent(ctx context.Context, location, language string, includeAirQuality bool) (Snapshot, error)
}

// DimensionTx is the transactional scope in which dimension rows are resolved.
type DimensionTx interface {
	FindOrCreateLocation(ctx context.Context, name string) (Location, error)
	FindOrCreateConditionType(ctx context.Context, name string) (ConditionType, error)
}

// Store is the contract the in-memory and SQL stores must satisfy.
type Store interface {
	FindByLocationAndTimestamp(ctx context.Context, locationName string, ts time.Time) (Observation, error)
	// FindRecentByLocation returns up to limit observations ordered by timestamp, newest first.
	FindRecentByLocation(ctx context.Context, locationName string, limit int) ([]Observation, error)
	InsertObservation(ctx context.Context, obs Observation) (Observation, error)
	// InTx runs fn in a transaction. Stores may cap iso at the strictest level they support.
	InTx(ctx context.Context, iso sql.IsolationLevel, fn func(DimensionTx) error) error

	GetObservation(ctx context.Context, id string) (Observation, error)
	LatestByLocation(ctx context.Context, locationName string) (Observation, error)
	UpdateObservation(ctx context.Context, obs Observation) (Observation, error)
	DeleteObservation(ctx context.Context, id string) (Observation, error)
	// DeleteLocation removes a location and cascades to its observations.
	DeleteLocation(ctx context.Context, name string) ([]Observation, error)
	Health(ctx context.Context) error
}

// AverageSink receives recomputed moving averages.
type AverageSink interface {
	Record(ctx context.Context, avg MovingAverage) error
}

// AverageReader exposes the last recorded moving average of a location.
type AverageReader interface {
	Get(ctx context.Context, locationName string) (MovingAverage, error)
}

// AverageStore is an AverageSink that can also be read and pruned.
type AverageStore interface {
	AverageSink
	AverageReader
	Forget(ctx context.Context, locationName string) error
}

// ObservationCache is the read cache consulted by Service.
type ObservationCache interface {
	GetByID(id string) (Observation, bool)
	GetByLocation(name string) (Observation, bool)
	Put(obs Observation) error
	Delete(obs Observation) error
	DeleteLocation(name string) int
}
