package scoring

import "drivescore/internal/telematics"

// Aggregate aggregates trips with DefaultParams, bucketing hours in UTC and
// anchoring the window at the current wall-clock time.
func Aggregate(trips []telematics.Trip, lookbackDays int) (Features, error) {
	return NewAggregator(DefaultParams(), nil).Aggregate(trips, lookbackDays)
}

// Score scores f with DefaultParams.
func Score(f Features, vehicleRating *float64) (Result, error) {
	return NewCalculator(DefaultParams()).Score(f, vehicleRating)
}
