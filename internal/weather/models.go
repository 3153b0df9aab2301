package weather

import (
	"encoding/json"
	"fmt"
	"time"
)

// Location is a dimension row identifying a place we ingest weather for.
// Name is unique across all locations.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConditionType is a dimension row for a textual weather condition
// (e.g. "Partly cloudy"). Name is unique.
type ConditionType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Observation is a persisted weather reading. At most one observation exists
// per (LocationID, Timestamp).
//
// LocationName and ConditionTypeName are denormalized copies of the dimension
// names, filled by the store on read.
type Observation struct {
	ID                string    `json:"id"`
	LocationID        string    `json:"locationId"`
	LocationName      string    `json:"locationName"`
	ConditionTypeID   string    `json:"conditionTypeId"`
	ConditionTypeName string    `json:"conditionTypeName"`
	TemperatureC      float64   `json:"temperatureCelsius"`
	Timestamp         time.Time `json:"timestamp"`
}

// DraftObservation is the in-flight message payload produced by the scheduler.
// Dimensions are referenced by name; ids are resolved by the consumer.
type DraftObservation struct {
	LocationName      string    `json:"locationName" validate:"required"`
	ConditionTypeName string    `json:"conditionTypeName" validate:"required"`
	TemperatureC      float64   `json:"temperatureCelsius"`
	Timestamp         time.Time `json:"timestamp" validate:"required"`
}

// Snapshot is the current-conditions view returned by the upstream gateway.
type Snapshot struct {
	LocationName         string
	ConditionText        string
	TemperatureC         float64
	LocalObservationTime time.Time
}

// ToDraft maps a gateway snapshot into a draft observation.
func (s Snapshot) ToDraft() DraftObservation {
	return DraftObservation{
		LocationName:      s.LocationName,
		ConditionTypeName: s.ConditionText,
		TemperatureC:      s.TemperatureC,
		Timestamp:         s.LocalObservationTime,
	}
}

// MovingAverage is the trailing mean temperature for one location.
type MovingAverage struct {
	LocationName string    `json:"locationName"`
	Average      float64   `json:"average"`
	Samples      int       `json:"samples"`
	ComputedAt   time.Time `json:"computedAt"`
}

// UpdateObservation carries the mutable fields of an observation.
type UpdateObservation struct {
	TemperatureC      *float64 `json:"temperatureCelsius" validate:"required"`
	ConditionTypeName string   `json:"conditionTypeName" validate:"omitempty,max=255"`
}

// EncodeDraft serializes a draft for the message channel.
func EncodeDraft(d DraftObservation) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft observation: %w", err)
	}
	return data, nil
}

// DecodeDraft parses a message value produced by EncodeDraft.
func DecodeDraft(data []byte) (DraftObservation, error) {
	var d DraftObservation
	if err := json.Unmarshal(data, &d); err != nil {
		return DraftObservation{}, fmt.Errorf("decode draft observation: %w", err)
	}
	return d, nil
}
