package weather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregateReadings(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	readings := []Observation{{TemperatureC: 25.37}, {TemperatureC: -17.9}}

	avg := AggregateReadings("Berlin", readings, 3, now)

	assert.Equal(t, "Berlin", avg.LocationName)
	assert.Equal(t, 3.735, avg.Average)
	assert.Equal(t, 2, avg.Samples)
	assert.Equal(t, now, avg.ComputedAt)
}

func TestAggregateReadings_Empty(t *testing.T) {
	avg := AggregateReadings("Berlin", nil, 3, time.Time{})
	assert.Equal(t, 0.0, avg.Average)
	assert.Equal(t, 0, avg.Samples)
}

func TestRoundTo(t *testing.T) {
	cases := []struct {
		in        float64
		precision int
		want      float64
	}{
		{3.7349, 3, 3.735},
		{-2.5, 0, -3},
		{1.23456, 2, 1.23},
		{1.5, -1, 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RoundTo(tc.in, tc.precision), "RoundTo(%v, %d)", tc.in, tc.precision)
	}
}

func TestDraftRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{LocationName: "Berlin", ConditionText: "Sunny", TemperatureC: 21.5, LocalObservationTime: ts}

	data, err := EncodeDraft(snap.ToDraft())
	assert.NoError(t, err)
	assert.JSONEq(t, `{"locationName":"Berlin","conditionTypeName":"Sunny","temperatureCelsius":21.5,"timestamp":"2024-05-01T12:00:00Z"}`, string(data))

	got, err := DecodeDraft(data)
	assert.NoError(t, err)
	assert.Equal(t, snap.ToDraft(), got)

	_, err = DecodeDraft([]byte("nope"))
	assert.Error(t, err)
}
