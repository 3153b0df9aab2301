package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/observability"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

const lastUpdatedLayout = "2006-01-02 15:04"

// WeatherAPIConfig holds the WeatherAPI.com endpoint settings.
type WeatherAPIConfig struct {
	APIKey      string
	BaseURL     string
	CurrentPath string
	// CircuitBreaker wraps each exchange in a gobreaker.CircuitBreaker.
	CircuitBreaker bool
}

// WeatherAPIProvider implements weather.Gateway for WeatherAPI.com.
type WeatherAPIProvider struct {
	name     string
	cfg      WeatherAPIConfig
	endpoint string
	httpCfg  HTTPClientConfig
	limiter  RateLimiter
	circuit  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	metrics  *observability.Metrics
}

var _ weather.Gateway = (*WeatherAPIProvider)(nil)

// NewWeatherAPIProvider builds the gateway. limiter may be nil for unlimited calls.
func NewWeatherAPIProvider(
	client *http.Client,
	cfg WeatherAPIConfig,
	limiter RateLimiter,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *WeatherAPIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.weatherapi.com/v1"
	}
	if cfg.CurrentPath == "" {
		cfg.CurrentPath = "/current.json"
	}

	p := &WeatherAPIProvider{
		name:     "weatherapi",
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.CurrentPath, "/"),
		httpCfg:  HTTPClientConfig{Client: client},
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}
	if cfg.CircuitBreaker {
		p.circuit = newCircuitBreaker(p.name)
	}
	return p
}

func (p *WeatherAPIProvider) Name() string {
	return p.name
}

type currentPayload struct {
	Location struct {
		Name string `json:"name"`
		TzID string `json:"tz_id"`
	} `json:"location"`
	Current *struct {
		LastUpdated string   `json:"last_updated"`
		TempC       *float64 `json:"temp_c"`
		Condition   struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

type errorPayload struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchCurrent returns the current conditions for location. The snapshot is
// keyed by the requested location name so that it matches the rotation.
func (p *WeatherAPIProvider) FetchCurrent(ctx context.Context, location, language string, includeAirQuality bool) (weather.Snapshot, error) {
	start := time.Now()
	snap, err := p.fetchCurrent(ctx, location, language, includeAirQuality)

	outcome := CategorizeError(err)
	p.metrics.UpstreamCalls.WithLabelValues(outcome).Inc()
	p.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger.Warn("weatherapi call failed",
			zap.String("location", location),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
	return snap, err
}

func (p *WeatherAPIProvider) fetchCurrent(ctx context.Context, location, language string, includeAirQuality bool) (weather.Snapshot, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("key", p.cfg.APIKey)
		values.Set("q", location)
		if language != "" {
			values.Set("lang", language)
		}
		if includeAirQuality {
			values.Set("aqi", "yes")
		}
		u := fmt.Sprintf("%s?%s", p.endpoint, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequest(ctx, p.httpCfg, p.limiter, p.circuit, buildRequest)
	if err != nil {
		return weather.Snapshot{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseCurrent(location, resp)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return weather.Snapshot{}, parseAPIError(resp)
	default:
		return weather.Snapshot{}, &DecodeError{
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
			Err:        fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}
}

func parseCurrent(location string, resp *rawResponse) (weather.Snapshot, error) {
	decodeErr := func(err error) error {
		return &DecodeError{StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}

	var payload currentPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return weather.Snapshot{}, decodeErr(err)
	}
	if payload.Current == nil {
		return weather.Snapshot{}, decodeErr(errors.New("missing current block"))
	}
	if payload.Current.TempC == nil {
		return weather.Snapshot{}, decodeErr(errors.New("missing current.temp_c"))
	}
	cond := strings.TrimSpace(payload.Current.Condition.Text)
	if cond == "" {
		return weather.Snapshot{}, decodeErr(errors.New("missing current.condition.text"))
	}

	tz := time.UTC
	if payload.Location.TzID != "" {
		if loaded, err := time.LoadLocation(payload.Location.TzID); err == nil {
			tz = loaded
		}
	}
	observedAt, err := time.ParseInLocation(lastUpdatedLayout, payload.Current.LastUpdated, tz)
	if err != nil {
		return weather.Snapshot{}, decodeErr(fmt.Errorf("parse current.last_updated: %w", err))
	}

	name := location
	if name == "" {
		name = payload.Location.Name
	}

	return weather.Snapshot{
		LocationName:         name,
		ConditionText:        cond,
		TemperatureC:         *payload.Current.TempC,
		LocalObservationTime: observedAt.UTC(),
	}, nil
}

func parseAPIError(resp *rawResponse) error {
	var payload errorPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return &DecodeError{StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	if payload.Error == nil {
		return &DecodeError{StatusCode: resp.StatusCode, Body: resp.Body, Err: errors.New("missing error block")}
	}
	return classifyAPIError(resp.StatusCode, payload.Error.Code, payload.Error.Message)
}
