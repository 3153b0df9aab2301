package weather_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/average"
	"github.com/i474232898/weather-ingestion/internal/cache"
	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/store"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.MemoryStore
	cache   *cache.WeatherCache
	sink    *average.MemorySink
	metrics *observability.Metrics
	svc     *weather.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		cache:   cache.New(10),
		sink:    average.NewMemorySink(),
		metrics: observability.NewMetricsForTesting(),
	}
	f.svc = weather.NewService(f.store, f.cache, f.sink, zap.NewNop(), f.metrics)
	return f
}

func (f *fixture) seed(t *testing.T, location string, temp float64, ts time.Time) weather.Observation {
	t.Helper()
	ctx := context.Background()
	var loc weather.Location
	var cond weather.ConditionType
	require.NoError(t, f.store.InTx(ctx, sql.LevelSerializable, func(tx weather.DimensionTx) error {
		var err error
		if loc, err = tx.FindOrCreateLocation(ctx, location); err != nil {
			return err
		}
		cond, err = tx.FindOrCreateConditionType(ctx, "Sunny")
		return err
	}))
	obs, err := f.store.InsertObservation(ctx, weather.Observation{
		LocationID: loc.ID, ConditionTypeID: cond.ID, TemperatureC: temp, Timestamp: ts,
	})
	require.NoError(t, err)
	return obs
}

func TestService_GetFillsCache(t *testing.T) {
	f := newFixture(t)
	obs := f.seed(t, "Berlin", 20, t0)

	got, err := f.svc.Get(context.Background(), obs.ID)
	require.NoError(t, err)
	assert.Equal(t, obs, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("id", "miss")))

	_, err = f.svc.Get(context.Background(), obs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("id", "hit")))

	cached, ok := f.cache.GetByLocation("Berlin")
	require.True(t, ok)
	assert.Equal(t, obs.ID, cached.ID)
}

func TestService_Latest(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "Berlin", 20, t0)
	newest := f.seed(t, "Berlin", 22, t0.Add(time.Hour))

	got, err := f.svc.Latest(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, got.ID)

	_, err = f.svc.Latest(context.Background(), "Nowhere")
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestService_OlderObservationDoesNotShadowLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.seed(t, "Berlin", 20, t0)
	newest := f.seed(t, "Berlin", 22, t0.Add(time.Hour))

	_, err := f.svc.Latest(ctx, "Berlin")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	temp := 5.0
	_, err = f.svc.Update(ctx, older.ID, weather.UpdateObservation{TemperatureC: &temp})
	require.NoError(t, err)

	latest, err := f.svc.Latest(ctx, "Berlin")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, latest.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("location", "hit")))
}

func TestService_UpdateRefreshesCache(t *testing.T) {
	f := newFixture(t)
	obs := f.seed(t, "Berlin", 20, t0)
	_, err := f.svc.Get(context.Background(), obs.ID)
	require.NoError(t, err)

	temp := -4.0
	updated, err := f.svc.Update(context.Background(), obs.ID, weather.UpdateObservation{TemperatureC: &temp, ConditionTypeName: "Snow"})
	require.NoError(t, err)
	assert.Equal(t, -4.0, updated.TemperatureC)
	assert.Equal(t, "Snow", updated.ConditionTypeName)

	cached, ok := f.cache.GetByID(obs.ID)
	require.True(t, ok)
	assert.Equal(t, updated, cached)

	_, err = f.svc.Update(context.Background(), "missing", weather.UpdateObservation{TemperatureC: &temp})
	assert.ErrorIs(t, err, weather.ErrNotFound)
	_, err = f.svc.Update(context.Background(), obs.ID, weather.UpdateObservation{})
	assert.Error(t, err)
}

func TestService_DeleteEvicts(t *testing.T) {
	f := newFixture(t)
	obs := f.seed(t, "Berlin", 20, t0)
	_, err := f.svc.Get(context.Background(), obs.ID)
	require.NoError(t, err)

	_, err = f.svc.Delete(context.Background(), obs.ID)
	require.NoError(t, err)

	_, ok := f.cache.GetByID(obs.ID)
	assert.False(t, ok)
	_, err = f.svc.Get(context.Background(), obs.ID)
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestService_DeleteLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "Berlin", 20, t0)
	f.seed(t, "Berlin", 21, t0.Add(time.Hour))
	_, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NoError(t, f.sink.Record(ctx, weather.MovingAverage{LocationName: "Berlin", Average: 20.5, Samples: 2}))

	n, err := f.svc.DeleteLocation(ctx, "Berlin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, f.cache.Len())

	_, err = f.svc.Average(ctx, "Berlin")
	assert.ErrorIs(t, err, weather.ErrNotFound)

	_, err = f.svc.DeleteLocation(ctx, "Berlin")
	assert.ErrorIs(t, err, weather.ErrNotFound)
}

func TestService_Average(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sink.Record(ctx, weather.MovingAverage{LocationName: "Berlin", Average: 3.735, Samples: 2}))

	avg, err := f.svc.Average(ctx, "Berlin")
	require.NoError(t, err)
	assert.Equal(t, 3.735, avg.Average)
}
