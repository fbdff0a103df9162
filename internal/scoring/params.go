// Package scoring turns recorded trips into per-user behavioural features and
// scores those features into risk, safety and premium figures.
//
// Every threshold and weight used by the aggregator and the calculator lives
// in Params so that a single value drives both stages.
package scoring

import "fmt"

// HourRange is a half-open range of start hours [From, To). A range with
// From > To wraps past midnight.
type HourRange struct {
	From int
	To   int
}

// Contains reports whether hour (0..23) falls in the range.
func (r HourRange) Contains(hour int) bool {
	if r.From <= r.To {
		return hour >= r.From && hour < r.To
	}
	return hour >= r.From || hour < r.To
}

// Params holds every threshold, weight and business constant used in scoring.
type Params struct {
	// Time-of-day buckets applied to trip start hours.
	MorningRush HourRange
	EveningRush HourRange
	Night       HourRange

	// Per-trip rate multipliers; each component is capped at 1.
	SpeedingScale  float64
	BrakingScale   float64
	AccelScale     float64
	SharpTurnScale float64

	// Risk composite weights.
	SpeedingWeight  float64
	BrakingWeight   float64
	AccelWeight     float64
	TimeOfDayWeight float64
	SharpTurnWeight float64

	// Time-of-day step function.
	NightRatioThreshold float64
	RushRatioThreshold  float64
	NightPenalty        float64
	RushPenalty         float64
	BasePenalty         float64

	// Vehicle rating adjustment around a neutral star count.
	NeutralVehicleRating float64
	VehicleAdjustPerStar float64
	MinVehicleRating     float64
	MaxVehicleRating     float64

	// Safety score penalty weights (points per unit rate).
	SafetyBrakePenalty    float64
	SafetySpeedingPenalty float64
	SafetyAccelPenalty    float64

	// Suggestion triggers.
	SpeedingSuggestThreshold float64
	BrakingSuggestThreshold  float64
	NightSuggestThreshold    float64

	// Premium derivation.
	BasePremium         float64
	PivotRisk           float64
	DiscountPerRisk     float64
	MaxDiscountPercent  float64
	MaxSurchargePercent float64
}

// DefaultParams returns the production scoring parameters.
func DefaultParams() Params {
	return Params{
		MorningRush: HourRange{From: 6, To: 10},
		EveningRush: HourRange{From: 17, To: 20},
		Night:       HourRange{From: 22, To: 6},

		SpeedingScale:  5,
		BrakingScale:   10,
		AccelScale:     10,
		SharpTurnScale: 10,

		SpeedingWeight:  0.30,
		BrakingWeight:   0.30,
		AccelWeight:     0.20,
		TimeOfDayWeight: 0.10,
		SharpTurnWeight: 0.10,

		NightRatioThreshold: 0.3,
		RushRatioThreshold:  0.4,
		NightPenalty:        0.8,
		RushPenalty:         0.6,
		BasePenalty:         0.2,

		NeutralVehicleRating: 3,
		VehicleAdjustPerStar: 0.03,
		MinVehicleRating:     1,
		MaxVehicleRating:     5,

		SafetyBrakePenalty:    50,
		SafetySpeedingPenalty: 30,
		SafetyAccelPenalty:    20,

		SpeedingSuggestThreshold: 0.1,
		BrakingSuggestThreshold:  0.1,
		NightSuggestThreshold:    0.3,

		BasePremium:         120,
		PivotRisk:           0.3,
		DiscountPerRisk:     83.33,
		MaxDiscountPercent:  45,
		MaxSurchargePercent: 60,
	}
}

// Validate checks that the parameters describe a usable scoring model.
func (p Params) Validate() error {
	for name, r := range map[string]HourRange{"morning": p.MorningRush, "evening": p.EveningRush, "night": p.Night} {
		if r.From < 0 || r.From > 23 || r.To < 0 || r.To > 24 || r.From == r.To {
			return fmt.Errorf("invalid %s hour range %d-%d", name, r.From, r.To)
		}
	}
	if p.MinVehicleRating >= p.MaxVehicleRating {
		return fmt.Errorf("vehicle rating bounds %v..%v are empty", p.MinVehicleRating, p.MaxVehicleRating)
	}
	if p.BasePremium <= 0 {
		return fmt.Errorf("base premium must be positive, got %v", p.BasePremium)
	}
	if p.MaxDiscountPercent < 0 || p.MaxDiscountPercent >= 100 || p.MaxSurchargePercent < 0 {
		return fmt.Errorf("invalid premium caps: discount %v%%, surcharge %v%%", p.MaxDiscountPercent, p.MaxSurchargePercent)
	}
	return nil
}
