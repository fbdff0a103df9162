package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"

	"drivescore/internal/telematics"
)

// Features is the aggregated behaviour of one user over a lookback window.
// Rates are event counts per trip and are not capped; ratios are fractions
// of trips and stay within [0,1].
type Features struct {
	TripCount         int     `json:"trip_count"`
	TotalDistanceKm   float64 `json:"total_distance_km"`
	TotalDrivingHours float64 `json:"total_driving_hours"`
	AvgSpeedKmh       float64 `json:"avg_speed_kmh"`
	MaxSpeedKmh       float64 `json:"max_speed_kmh"`

	HardBrakeRate    float64 `json:"hard_brake_rate"`
	AccelerationRate float64 `json:"acceleration_rate"`
	SpeedingRate     float64 `json:"speeding_rate"`
	SharpTurnRate    float64 `json:"sharp_turn_rate"`

	MorningRushRatio float64 `json:"morning_rush_ratio"`
	EveningRushRatio float64 `json:"evening_rush_ratio"`
	NightRatio       float64 `json:"night_ratio"`
}

// TripSource supplies the trips a user started at or after since.
type TripSource interface {
	TripsSince(ctx context.Context, userID string, since time.Time) ([]telematics.Trip, error)
}

// Aggregator converts trips into Features. The zero value is not usable;
// construct one with NewAggregator.
type Aggregator struct {
	params Params
	loc    *time.Location
	clock  clockz.Clock
}

// NewAggregator returns an aggregator that buckets trip start hours in loc.
// A nil loc means UTC.
func NewAggregator(params Params, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{params: params, loc: loc, clock: clockz.RealClock}
}

// WithClock sets the clock used to anchor the lookback window.
func (a *Aggregator) WithClock(clock clockz.Clock) *Aggregator {
	a.clock = clock
	return a
}

// Location returns the reference time zone for hour buckets.
func (a *Aggregator) Location() *time.Location { return a.loc }

// maxWindowDays bounds the calendar arithmetic; longer windows reach back
// before any recorded trip and start at the zero time.
const maxWindowDays = 700_000

// WindowStart returns the earliest start time included for lookbackDays.
func (a *Aggregator) WindowStart(lookbackDays int) time.Time {
	if lookbackDays > maxWindowDays {
		return time.Time{}
	}
	return a.clock.Now().UTC().AddDate(0, 0, -lookbackDays)
}

// ForUser loads the user's trips from src and aggregates them.
func (a *Aggregator) ForUser(ctx context.Context, src TripSource, userID string, lookbackDays int) (Features, error) {
	if lookbackDays <= 0 {
		return Features{}, outOfRange("lookback_days must be positive, got %d", lookbackDays)
	}
	trips, err := src.TripsSince(ctx, userID, a.WindowStart(lookbackDays))
	if err != nil {
		return Features{}, fmt.Errorf("load trips for %s: %w", userID, err)
	}
	return a.Aggregate(trips, lookbackDays)
}

// Aggregate computes Features from trips that started within the last
// lookbackDays. Every trip passed in is validated, including those outside
// the window; the first invalid trip fails the whole call.
func (a *Aggregator) Aggregate(trips []telematics.Trip, lookbackDays int) (Features, error) {
	if lookbackDays <= 0 {
		return Features{}, outOfRange("lookback_days must be positive, got %d", lookbackDays)
	}
	for _, t := range trips {
		if err := ValidateTrip(t); err != nil {
			return Features{}, err
		}
	}

	since := a.WindowStart(lookbackDays)
	var f Features
	var hardBrakes, accels, speeding, turns int
	var morning, evening, night int
	var speedSum, durationSec float64
	for _, t := range trips {
		if t.StartTime.Before(since) {
			continue
		}
		f.TripCount++
		f.TotalDistanceKm += t.DistanceKm
		durationSec += t.DurationSeconds
		speedSum += t.AvgSpeedKmh
		if t.MaxSpeedKmh > f.MaxSpeedKmh {
			f.MaxSpeedKmh = t.MaxSpeedKmh
		}

		for _, ev := range t.Events {
			switch ev.Type {
			case telematics.HardBrake:
				hardBrakes++
			case telematics.RapidAcceleration:
				accels++
			case telematics.Speeding:
				speeding++
			case telematics.SharpTurn:
				turns++
			}
		}

		hour := t.StartTime.In(a.loc).Hour()
		switch {
		case a.params.MorningRush.Contains(hour):
			morning++
		case a.params.EveningRush.Contains(hour):
			evening++
		case a.params.Night.Contains(hour):
			night++
		}
	}

	div := float64(max(f.TripCount, 1))
	f.TotalDrivingHours = durationSec / 3600
	f.AvgSpeedKmh = speedSum / div
	f.HardBrakeRate = float64(hardBrakes) / div
	f.AccelerationRate = float64(accels) / div
	f.SpeedingRate = float64(speeding) / div
	f.SharpTurnRate = float64(turns) / div
	f.MorningRushRatio = float64(morning) / div
	f.EveningRushRatio = float64(evening) / div
	f.NightRatio = float64(night) / div
	return f, nil
}
