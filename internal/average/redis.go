package average

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

const keyPrefix = "weather:avg:"

// RedisSink stores one hash per location under weather:avg:{location} with
// the fields average, samples and computed_at.
type RedisSink struct {
	redis *redis.Client
}

var (
	_ weather.AverageSink   = (*RedisSink)(nil)
	_ weather.AverageReader = (*RedisSink)(nil)
)

// NewRedisSink connects to redisURL and verifies the connection.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{redis: client}, nil
}

func (s *RedisSink) Close() error { return s.redis.Close() }

func key(locationName string) string { return keyPrefix + locationName }

func (s *RedisSink) Record(ctx context.Context, avg weather.MovingAverage) error {
	if avg.LocationName == "" {
		return errors.New("record average: location name is required")
	}
	err := s.redis.HSet(ctx, key(avg.LocationName),
		"average", strconv.FormatFloat(avg.Average, 'f', -1, 64),
		"samples", avg.Samples,
		"computed_at", avg.ComputedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("record average for %s: %w", avg.LocationName, err)
	}
	return nil
}

func (s *RedisSink) Get(ctx context.Context, locationName string) (weather.MovingAverage, error) {
	fields, err := s.redis.HGetAll(ctx, key(locationName)).Result()
	if err != nil {
		return weather.MovingAverage{}, fmt.Errorf("get average for %s: %w", locationName, err)
	}
	if len(fields) == 0 {
		return weather.MovingAverage{}, ErrNotFound
	}

	avg := weather.MovingAverage{LocationName: locationName}
	if avg.Average, err = strconv.ParseFloat(fields["average"], 64); err != nil {
		return weather.MovingAverage{}, fmt.Errorf("parse average for %s: %w", locationName, err)
	}
	if avg.Samples, err = strconv.Atoi(fields["samples"]); err != nil {
		return weather.MovingAverage{}, fmt.Errorf("parse samples for %s: %w", locationName, err)
	}
	if avg.ComputedAt, err = time.Parse(time.RFC3339Nano, fields["computed_at"]); err != nil {
		return weather.MovingAverage{}, fmt.Errorf("parse computed_at for %s: %w", locationName, err)
	}
	return avg, nil
}

// Forget drops the average of a deleted location.
func (s *RedisSink) Forget(ctx context.Context, locationName string) error {
	if err := s.redis.Del(ctx, key(locationName)).Err(); err != nil {
		return fmt.Errorf("forget average for %s: %w", locationName, err)
	}
	return nil
}
