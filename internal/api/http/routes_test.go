package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/average"
	"github.com/i474232898/weather-ingestion/internal/cache"
	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/store"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

type testEnv struct {
	store *store.MemoryStore
	sink  *average.MemorySink
	svc   *weather.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMemoryStore(), sink: average.NewMemorySink()}
	env.svc = weather.NewService(env.store, cache.New(10), env.sink, zap.NewNop(), observability.NewMetricsForTesting())
	return env
}

func (e *testEnv) seed(t *testing.T, location string, temp float64, ts time.Time) weather.Observation {
	t.Helper()
	ctx := context.Background()
	var loc weather.Location
	var cond weather.ConditionType
	err := e.store.InTx(ctx, sql.LevelSerializable, func(tx weather.DimensionTx) error {
		var err error
		if loc, err = tx.FindOrCreateLocation(ctx, location); err != nil {
			return err
		}
		cond, err = tx.FindOrCreateConditionType(ctx, "Sunny")
		return err
	})
	if err != nil {
		t.Fatalf("seed dimensions: %v", err)
	}
	obs, err := e.store.InsertObservation(ctx, weather.Observation{
		LocationID: loc.ID, ConditionTypeID: cond.ID, TemperatureC: temp, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	return obs
}

func do(t *testing.T, env *testEnv, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	app := NewApp(env.svc, zap.NewNop())

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := do(t, env, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)
}

func TestGetObservation(t *testing.T) {
	env := newTestEnv(t)
	obs := env.seed(t, "Berlin", 21.5, t0)

	resp, body := do(t, env, http.MethodGet, "/api/v1/observations/"+obs.ID, "")
	expectStatus(t, resp, http.StatusOK)

	var got weather.Observation
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != obs.ID || got.LocationName != "Berlin" || got.TemperatureC != 21.5 {
		t.Fatalf("unexpected observation: %+v", got)
	}

	resp, body = do(t, env, http.MethodGet, "/api/v1/observations/missing", "")
	expectStatus(t, resp, http.StatusNotFound)

	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if envelope.Error != "not_found" || envelope.Message == "" {
		t.Fatalf("unexpected error envelope: %+v", envelope)
	}
}

func TestLatestObservation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "New York", 10, t0)
	newest := env.seed(t, "New York", 12, t0.Add(time.Hour))

	resp, body := do(t, env, http.MethodGet, "/api/v1/observations/latest?location=New%20York", "")
	expectStatus(t, resp, http.StatusOK)
	if !strings.Contains(string(body), newest.ID) {
		t.Fatalf("expected newest observation %s in %s", newest.ID, body)
	}

	resp, _ = do(t, env, http.MethodGet, "/api/v1/observations/latest", "")
	expectStatus(t, resp, http.StatusBadRequest)

	resp, _ = do(t, env, http.MethodGet, "/api/v1/observations/latest?location=Atlantis", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestUpdateObservation(t *testing.T) {
	env := newTestEnv(t)
	obs := env.seed(t, "Berlin", 21.5, t0)

	resp, body := do(t, env, http.MethodPut, "/api/v1/observations/"+obs.ID, `{"temperatureCelsius": -2.5, "conditionTypeName": "Snow"}`)
	expectStatus(t, resp, http.StatusOK)

	var got weather.Observation
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TemperatureC != -2.5 || got.ConditionTypeName != "Snow" {
		t.Fatalf("unexpected observation: %+v", got)
	}

	// Missing temperature fails validation.
	resp, _ = do(t, env, http.MethodPut, "/api/v1/observations/"+obs.ID, `{"conditionTypeName": "Snow"}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp, _ = do(t, env, http.MethodPut, "/api/v1/observations/"+obs.ID, `{not json`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp, _ = do(t, env, http.MethodPut, "/api/v1/observations/missing", `{"temperatureCelsius": 1}`)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestDeleteObservation(t *testing.T) {
	env := newTestEnv(t)
	obs := env.seed(t, "Berlin", 21.5, t0)

	resp, _ := do(t, env, http.MethodDelete, "/api/v1/observations/"+obs.ID, "")
	expectStatus(t, resp, http.StatusNoContent)

	resp, _ = do(t, env, http.MethodDelete, "/api/v1/observations/"+obs.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestDeleteLocation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "Berlin", 1, t0)
	env.seed(t, "Berlin", 2, t0.Add(time.Hour))

	resp, body := do(t, env, http.MethodDelete, "/api/v1/locations/Berlin", "")
	expectStatus(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"deletedObservations":2`) {
		t.Fatalf("unexpected body: %s", body)
	}

	resp, _ = do(t, env, http.MethodDelete, "/api/v1/locations/Berlin", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestAverage(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sink.Record(context.Background(), weather.MovingAverage{LocationName: "Berlin", Average: 3.735, Samples: 2, ComputedAt: t0}); err != nil {
		t.Fatalf("record: %v", err)
	}

	resp, body := do(t, env, http.MethodGet, "/api/v1/averages/Berlin", "")
	expectStatus(t, resp, http.StatusOK)
	var got weather.MovingAverage
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Average != 3.735 || got.Samples != 2 {
		t.Fatalf("unexpected average: %+v", got)
	}

	resp, _ = do(t, env, http.MethodGet, "/api/v1/averages/Paris", "")
	expectStatus(t, resp, http.StatusNotFound)
}
