package scoring

import (
	"fmt"
	"math"

	"drivescore/internal/telematics"
)

// ValidateTrip checks the recorded invariants of a single trip and its events.
func ValidateTrip(t telematics.Trip) error {
	fail := func(format string, args ...any) error {
		return &TripError{TripID: t.TripID, Reason: fmt.Sprintf(format, args...)}
	}
	if t.TripID == "" {
		return fail("missing trip_id")
	}
	if t.UserID == "" {
		return fail("missing user_id")
	}
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return fail("missing start or end time")
	}
	if !t.EndTime.After(t.StartTime) {
		return fail("end_time %s is not after start_time %s", t.EndTime, t.StartTime)
	}
	if t.DistanceKm < 0 {
		return fail("negative distance %v", t.DistanceKm)
	}
	if t.DurationSeconds <= 0 {
		return fail("non-positive duration %v", t.DurationSeconds)
	}
	if t.AvgSpeedKmh < 0 || t.MaxSpeedKmh < 0 {
		return fail("negative speed (avg %v, max %v)", t.AvgSpeedKmh, t.MaxSpeedKmh)
	}
	for i, ev := range t.Events {
		if ev.Timestamp.Before(t.StartTime) || ev.Timestamp.After(t.EndTime) {
			return fail("event %d (%s) at %s outside trip window", i, ev.Type, ev.Timestamp)
		}
		if ev.Severity < 0 || ev.Severity > 1 {
			return fail("event %d severity %v outside [0,1]", i, ev.Severity)
		}
		if ev.Speed < 0 {
			return fail("event %d negative speed %v", i, ev.Speed)
		}
	}
	return nil
}

// ValidateFeatures checks a caller-supplied feature set. Counts, totals and
// rates must be non-negative and ratios must lie within [0,1].
func ValidateFeatures(f Features) error {
	if f.TripCount < 0 {
		return outOfRange("trip_count %d is negative", f.TripCount)
	}
	type field struct {
		name string
		v    float64
	}
	nonNeg := []field{
		{"total_distance_km", f.TotalDistanceKm},
		{"total_driving_hours", f.TotalDrivingHours},
		{"avg_speed_kmh", f.AvgSpeedKmh},
		{"max_speed_kmh", f.MaxSpeedKmh},
		{"hard_brake_rate", f.HardBrakeRate},
		{"acceleration_rate", f.AccelerationRate},
		{"speeding_rate", f.SpeedingRate},
		{"sharp_turn_rate", f.SharpTurnRate},
	}
	for _, fl := range nonNeg {
		if math.IsNaN(fl.v) || fl.v < 0 {
			return outOfRange("%s %v is negative", fl.name, fl.v)
		}
	}
	ratios := []field{
		{"morning_rush_ratio", f.MorningRushRatio},
		{"evening_rush_ratio", f.EveningRushRatio},
		{"night_ratio", f.NightRatio},
	}
	for _, fl := range ratios {
		if math.IsNaN(fl.v) || fl.v < 0 || fl.v > 1 {
			return outOfRange("%s %v outside [0,1]", fl.name, fl.v)
		}
	}
	if sum := f.MorningRushRatio + f.EveningRushRatio + f.NightRatio; sum > 1+1e-9 {
		return outOfRange("hour bucket ratios sum to %v", sum)
	}
	return nil
}
