package telematics

import "time"

// EventType names a kind of driving incident.
type EventType string

const (
	HardBrake         EventType = "hard_brake"
	RapidAcceleration EventType = "rapid_acceleration"
	Speeding          EventType = "speeding"
	SharpTurn         EventType = "sharp_turn"
)

// Event is a discrete incident recorded during a trip.
type Event struct {
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  float64   `json:"severity"` // 0..1, stored but not weighted
	Speed     float64   `json:"speed"`    // km/h
}

// Trip is one completed drive. Trips are never modified after ingestion.
type Trip struct {
	UserID            string    `json:"user_id"`
	TripID            string    `json:"trip_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	DistanceKm        float64   `json:"distance_km"`
	DurationSeconds   float64   `json:"duration_seconds"`
	AvgSpeedKmh       float64   `json:"avg_speed_kmh"`
	MaxSpeedKmh       float64   `json:"max_speed_kmh"`
	Events            []Event   `json:"events"`
	WeatherConditions string    `json:"weather_conditions,omitempty"`
	TrafficConditions string    `json:"traffic_conditions,omitempty"`
}

// Vehicle identifies the car a user drives, used for safety rating lookups.
type Vehicle struct {
	UserID string `json:"user_id"`
	Year   int    `json:"year"`
	Make   string `json:"make"`
	Model  string `json:"model"`
}
