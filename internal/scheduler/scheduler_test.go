package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/rotation"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

var observedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu      sync.Mutex
	calls   []string
	lang    string
	aqi     bool
	err     error
	block   chan struct{}
	started chan struct{}
}

func (g *fakeGateway) FetchCurrent(ctx context.Context, location, language string, includeAirQuality bool) (weather.Snapshot, error) {
	g.mu.Lock()
	g.calls = append(g.calls, location)
	g.lang, g.aqi = language, includeAirQuality
	block, started, err := g.block, g.started, g.err
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return weather.Snapshot{}, err
	}
	return weather.Snapshot{
		LocationName:         location,
		ConditionText:        "Sunny",
		TemperatureC:         20.5,
		LocalObservationTime: observedAt,
	}, nil
}

type published struct {
	key   string
	value []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{key: key, value: value})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newScheduler(t *testing.T, gw *fakeGateway, pub *fakePublisher, names ...string) (*Scheduler, *observability.Metrics) {
	t.Helper()
	rot, err := rotation.New(names)
	require.NoError(t, err)
	m := observability.NewMetricsForTesting()
	s := New(Config{Schedule: "*/1 * * * *", Language: "en", IncludeAirQuality: true},
		rot, gw, pub, clockwork.NewFakeClock(), zap.NewNop(), m)
	return s, m
}

func TestTick_PublishesDraftKeyedByLocation(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	s, m := newScheduler(t, gw, pub, "Berlin", "Paris")

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []string{"Berlin", "Paris", "Berlin"}, gw.calls)
	assert.Equal(t, "en", gw.lang)
	assert.True(t, gw.aqi)

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "Paris", pub.msgs[1].key)
	d, err := weather.DecodeDraft(pub.msgs[1].value)
	require.NoError(t, err)
	assert.Equal(t, weather.DraftObservation{
		LocationName:      "Paris",
		ConditionTypeName: "Sunny",
		TemperatureC:      20.5,
		Timestamp:         observedAt,
	}, d)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Ticks.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesPublished))
}

func TestTick_GatewayErrorPublishesNothing(t *testing.T) {
	gw := &fakeGateway{err: errors.New("location not found")}
	pub := &fakePublisher{}
	s, m := newScheduler(t, gw, pub, "Atlantis")

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Empty(t, pub.msgs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues("error")))
}

func TestTick_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	s, _ := newScheduler(t, &fakeGateway{}, pub, "Berlin")
	assert.Error(t, s.Tick(context.Background()))
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{}), started: make(chan struct{}, 1)}
	pub := &fakePublisher{}
	s, m := newScheduler(t, gw, pub, "Berlin", "Paris")

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()
	<-gw.started

	assert.ErrorIs(t, s.Tick(context.Background()), ErrTickInProgress)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues("skipped")))

	close(gw.block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"Berlin"}, gw.calls, "skipped tick must not advance the rotation")
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	rot, err := rotation.New([]string{"Berlin"})
	require.NoError(t, err)
	s := New(Config{Schedule: "every minute"}, rot, &fakeGateway{}, &fakePublisher{},
		clockwork.NewFakeClock(), zap.NewNop(), observability.NewMetricsForTesting())
	assert.Error(t, s.Start())
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/1 * * * *"))
	assert.NoError(t, ValidateSchedule("0 */6 * * *"))
	assert.Error(t, ValidateSchedule("* * *"))
}

func TestStartStop(t *testing.T) {
	s, _ := newScheduler(t, &fakeGateway{}, &fakePublisher{}, "Berlin")
	require.NoError(t, s.Start())
	s.Stop()
}
