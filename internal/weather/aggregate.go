package weather

import (
	"math"
	"time"
)

// AggregateReadings computes the arithmetic mean temperature of readings,
// rounded to precision decimal places. An empty window yields a zero average
// with zero samples.
func AggregateReadings(location string, readings []Observation, precision int, now time.Time) MovingAverage {
	avg := MovingAverage{
		LocationName: location,
		Samples:      len(readings),
		ComputedAt:   now,
	}
	if len(readings) == 0 {
		return avg
	}

	var sumTemp float64
	for _, r := range readings {
		sumTemp += r.TemperatureC
	}
	avg.Average = RoundTo(sumTemp/float64(len(readings)), precision)
	return avg
}

// RoundTo rounds v half away from zero to the given number of decimal places.
// Negative precision is treated as zero.
func RoundTo(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}
