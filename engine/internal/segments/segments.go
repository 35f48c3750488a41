// Package segments implements distance-bounded effort timing: entry/exit
// detection against a route's segment definitions, running effort averages,
// and tentative personal-best flagging.
package segments

import (
	"time"

	"github.com/google/uuid"
)

// Category is a Tour-style climb classification.
type Category string

const (
	CategoryHC     Category = "hc"
	CategoryCat1   Category = "cat1"
	CategoryCat2   Category = "cat2"
	CategoryCat3   Category = "cat3"
	CategoryCat4   Category = "cat4"
	CategorySprint Category = "sprint"
)

// CategoryFromProfile derives a category from elevation gain and length.
// Returns false for stretches too flat and too short to categorize.
func CategoryFromProfile(elevationGainM, lengthM float64) (Category, bool) {
	if lengthM <= 0 {
		return "", false
	}
	avgGradient := elevationGainM / lengthM * 100
	climbScore := elevationGainM * avgGradient / 100

	switch {
	case avgGradient < 1.0:
		return CategorySprint, true
	case climbScore > 800:
		return CategoryHC, true
	case climbScore > 400:
		return CategoryCat1, true
	case climbScore > 200:
		return CategoryCat2, true
	case climbScore > 100:
		return CategoryCat3, true
	case climbScore > 50:
		return CategoryCat4, true
	}
	return "", false
}

// Segment is a named distance-bounded portion of a route. World-scoped and
// read-only during a ride.
type Segment struct {
	ID                 uuid.UUID `json:"id"`
	RouteID            uuid.UUID `json:"route_id"`
	Name               string    `json:"name"`
	StartDistanceM     float64   `json:"start_distance_meters"`
	EndDistanceM       float64   `json:"end_distance_meters"`
	LengthM            float64   `json:"length_meters"`
	ElevationGainM     float64   `json:"elevation_gain_meters"`
	AvgGradientPercent float64   `json:"avg_gradient_percent"`
	Category           Category  `json:"category,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// NewSegment builds a segment, deriving length, gradient and category.
func NewSegment(routeID uuid.UUID, name string, startM, endM, elevationGainM float64) Segment {
	length := endM - startM
	var gradient float64
	if length > 0 {
		gradient = elevationGainM / length * 100
	}
	seg := Segment{
		ID:                 uuid.New(),
		RouteID:            routeID,
		Name:               name,
		StartDistanceM:     startM,
		EndDistanceM:       endM,
		LengthM:            length,
		ElevationGainM:     elevationGainM,
		AvgGradientPercent: gradient,
		CreatedAt:          time.Now().UTC(),
	}
	if cat, ok := CategoryFromProfile(elevationGainM, length); ok {
		seg.Category = cat
	}
	return seg
}

// Time is a rider's recorded time on a segment.
type Time struct {
	ID             uuid.UUID `json:"id"`
	SegmentID      uuid.UUID `json:"segment_id"`
	UserID         uuid.UUID `json:"user_id"`
	RideID         uuid.UUID `json:"ride_id"`
	TimeSeconds    float64   `json:"time_seconds"`
	AvgPowerWatts  *uint16   `json:"avg_power_watts,omitempty"`
	AvgHeartRate   *uint8    `json:"avg_heart_rate,omitempty"`
	FTPAtEffort    uint16    `json:"ftp_at_effort"`
	IsPersonalBest bool      `json:"is_personal_best"`
	RecordedAt     time.Time `json:"recorded_at"`
}
