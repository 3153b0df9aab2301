// Package average stores the latest moving average per location.
package average

import (
	"context"
	"errors"
	"sync"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

// ErrNotFound is returned when no average has been recorded for a location.
var ErrNotFound = weather.ErrNotFound

// MemorySink keeps averages in process memory.
type MemorySink struct {
	mu   sync.RWMutex
	data map[string]weather.MovingAverage
}

var (
	_ weather.AverageSink   = (*MemorySink)(nil)
	_ weather.AverageReader = (*MemorySink)(nil)
)

func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string]weather.MovingAverage)}
}

func (s *MemorySink) Record(_ context.Context, avg weather.MovingAverage) error {
	if avg.LocationName == "" {
		return errors.New("record average: location name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[avg.LocationName] = avg
	return nil
}

func (s *MemorySink) Get(_ context.Context, locationName string) (weather.MovingAverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avg, ok := s.data[locationName]
	if !ok {
		return weather.MovingAverage{}, ErrNotFound
	}
	return avg, nil
}

// Forget drops the average of a deleted location.
func (s *MemorySink) Forget(_ context.Context, locationName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, locationName)
	return nil
}

func (s *MemorySink) Close() error { return nil }
