package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the ingestion pipeline and the
// observation cache.
type Metrics struct {
	// Upstream gateway.
	UpstreamCalls    *prometheus.CounterVec   // labels: outcome
	UpstreamDuration *prometheus.HistogramVec // labels: outcome

	// Scheduler.
	Ticks        *prometheus.CounterVec // labels: outcome={success,error,skipped}
	TickDuration prometheus.Histogram

	// Message channel and consumer.
	MessagesPublished prometheus.Counter
	MessagesConsumed  prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	ConsumerFailures  *prometheus.CounterVec // labels: reason
	MovingAverage     *prometheus.GaugeVec   // labels: location

	// Cache.
	CacheLookups *prometheus.CounterVec // labels: index={id,location}, result={hit,miss}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.UpstreamCalls,
		m.UpstreamDuration,
		m.Ticks,
		m.TickDuration,
		m.MessagesPublished,
		m.MessagesConsumed,
		m.DuplicatesSkipped,
		m.ConsumerFailures,
		m.MovingAverage,
		m.CacheLookups,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as many
// as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "upstream_calls_total",
			Help:      "Weather API calls by outcome.",
		}, []string{"outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weather_ingestion",
			Name:      "upstream_duration_seconds",
			Help:      "Weather API latency in seconds, including rate limiter wait.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by outcome.",
		}, []string{"outcome"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_ingestion",
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of a fetch-and-publish tick.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "messages_published_total",
			Help:      "Draft observations published to the channel.",
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "messages_consumed_total",
			Help:      "Draft observations acknowledged by the consumer.",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "duplicates_skipped_total",
			Help:      "Redelivered or repeated drafts that were already persisted.",
		}),
		ConsumerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "consumer_failures_total",
			Help:      "Consumer failures by reason.",
		}, []string{"reason"}),
		MovingAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weather_ingestion",
			Name:      "moving_average_celsius",
			Help:      "Trailing mean temperature per location.",
		}, []string{"location"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_ingestion",
			Name:      "cache_lookups_total",
			Help:      "Observation cache lookups by index and result.",
		}, []string{"index", "result"}),
	}
}
