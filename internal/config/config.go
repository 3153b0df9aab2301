package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/i474232898/weather-ingestion/internal/common"
)

type AppConfig struct {
	WeatherAPIKey      string        `validate:"required"`
	WeatherAPIBaseURL  string        `validate:"required,url"`
	WeatherCurrentPath string        `validate:"required,startswith=/"`
	HTTPTimeout        time.Duration `validate:"gt=0"`

	RateLimitName  string  `validate:"required"`
	RateLimitRPS   float64 `validate:"gte=0"`
	RateLimitBurst int     `validate:"gte=1"`

	CircuitBreakerEnabled bool

	// Locations to rotate through, deduplicated in configuration order.
	Locations         []string `validate:"min=1,dive,required"`
	IngestSchedule    string   `validate:"required"`
	Language          string
	IncludeAirQuality bool

	ChannelBackend    string   `validate:"oneof=memory kafka"`
	ChannelPartitions int      `validate:"gte=1"`
	KafkaBrokers      []string `validate:"required_if=ChannelBackend kafka"`
	KafkaTopic        string   `validate:"required_if=ChannelBackend kafka"`
	KafkaGroupID      string   `validate:"required_if=ChannelBackend kafka"`
	KafkaConsumers    int      `validate:"gte=1"`

	StoreDriver string `validate:"oneof=memory sqlite postgres"`
	DatabaseURL string `validate:"required_if=StoreDriver postgres"`

	AverageWindow    int    `validate:"gte=1"`
	AveragePrecision int    `validate:"gte=0,lte=10"`
	AverageBackend   string `validate:"oneof=memory redis"`
	RedisURL         string `validate:"required_if=AverageBackend redis"`

	CacheCapacity int `validate:"gte=1"`

	Port            string `validate:"required,numeric"`
	LogLevel        string
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load reads configuration from environment with sensible defaults. A .env
// file in the working directory is loaded first if present; real environment
// variables take precedence over it.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		WeatherAPIKey:         os.Getenv("WEATHERAPI_API_KEY"),
		WeatherAPIBaseURL:     getenvDefault("WEATHERAPI_BASE_URL", "https://api.weatherapi.com/v1"),
		WeatherCurrentPath:    getenvDefault("WEATHERAPI_CURRENT_PATH", "/current.json"),
		RateLimitName:         getenvDefault("RATE_LIMIT_NAME", "weatherapi"),
		RateLimitBurst:        getenvInt("RATE_LIMIT_BURST", 1),
		CircuitBreakerEnabled: getenvBool("CIRCUIT_BREAKER_ENABLED", true),
		Locations:             common.SplitList(os.Getenv("WEATHER_LOCATIONS")),
		IngestSchedule:        getenvDefault("INGEST_SCHEDULE", "*/1 * * * *"),
		Language:              getenvDefault("WEATHER_LANGUAGE", "en"),
		IncludeAirQuality:     getenvBool("WEATHER_INCLUDE_AQI", false),
		ChannelBackend:        strings.ToLower(getenvDefault("CHANNEL_BACKEND", "memory")),
		ChannelPartitions:     getenvInt("CHANNEL_PARTITIONS", 8),
		KafkaBrokers:          common.SplitList(getenvDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:            getenvDefault("KAFKA_TOPIC", "weather-observations"),
		KafkaGroupID:          getenvDefault("KAFKA_GROUP_ID", "weather-ingestion"),
		KafkaConsumers:        getenvInt("KAFKA_CONSUMERS", 1),
		StoreDriver:           strings.ToLower(getenvDefault("STORE_DRIVER", "memory")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AverageWindow:         getenvInt("AVERAGE_WINDOW", 30),
		AveragePrecision:      getenvInt("AVERAGE_PRECISION", 3),
		AverageBackend:        strings.ToLower(getenvDefault("AVERAGE_BACKEND", "memory")),
		RedisURL:              getenvDefault("REDIS_URL", "redis://localhost:6379/0"),
		CacheCapacity:         getenvInt("CACHE_CAPACITY", 100),
		Port:                  getenvDefault("PORT", "8080"),
		LogLevel:              getenvDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	rps := getenvDefault("RATE_LIMIT_RPS", "1")
	if cfg.RateLimitRPS, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cron expression.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := cron.ParseStandard(c.IngestSchedule); err != nil {
		return fmt.Errorf("invalid INGEST_SCHEDULE %q: %w", c.IngestSchedule, err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
