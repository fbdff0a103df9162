package scoring

import "math"

// Risk factor keys reported in Result.RiskFactors.
const (
	FactorSpeeding     = "speeding"
	FactorBraking      = "braking"
	FactorAcceleration = "acceleration"
	FactorTimeOfDay    = "time_of_day"
	FactorSharpTurn    = "sharp_turn"
)

const (
	SuggestSpeeding = "Reduce speeding incidents"
	SuggestBraking  = "Practice smoother braking"
	SuggestNight    = "Avoid night driving when possible"
)

// Premium is the monthly premium derived from a risk score. A negative
// DiscountPercent is a surcharge.
type Premium struct {
	BasePremium     float64 `json:"base_premium"`
	DiscountPercent float64 `json:"discount_percent"`
	FinalPremium    float64 `json:"final_premium"`
}

// Result is the outcome of scoring one feature set. When InsufficientData is
// set no score was computed and RiskScore, SafetyScore, RiskFactors and
// Premium carry no meaning.
type Result struct {
	InsufficientData bool `json:"insufficient_data"`

	// BaseRiskScore is the behavioural risk before any vehicle adjustment.
	BaseRiskScore float64 `json:"base_risk_score"`
	RiskScore     float64 `json:"risk_score"`
	SafetyScore   float64 `json:"safety_score"`

	RiskFactors            map[string]float64 `json:"risk_factors,omitempty"`
	ImprovementSuggestions []string           `json:"improvement_suggestions"`
	Premium                Premium            `json:"premium"`

	VehicleSafetyRating *float64 `json:"vehicle_safety_rating,omitempty"`
}

// Calculator scores aggregated features. It holds no mutable state and may be
// shared between goroutines.
type Calculator struct {
	params Params
}

// NewCalculator returns a Calculator using params.
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// Score computes risk, safety and premium for f. vehicleRating is optional;
// when present it must lie within the configured star range.
func (c *Calculator) Score(f Features, vehicleRating *float64) (Result, error) {
	p := c.params
	if vehicleRating != nil {
		r := *vehicleRating
		if math.IsNaN(r) || r < p.MinVehicleRating || r > p.MaxVehicleRating {
			return Result{}, outOfRange("vehicle safety rating %v outside [%v,%v]", r, p.MinVehicleRating, p.MaxVehicleRating)
		}
	}
	if f.TripCount == 0 {
		return Result{InsufficientData: true, ImprovementSuggestions: []string{}}, nil
	}

	speedingC := math.Min(1, f.SpeedingRate*p.SpeedingScale)
	brakingC := math.Min(1, f.HardBrakeRate*p.BrakingScale)
	accelC := math.Min(1, f.AccelerationRate*p.AccelScale)
	turnC := math.Min(1, f.SharpTurnRate*p.SharpTurnScale)
	todC := c.timeOfDayPenalty(f)

	raw := p.SpeedingWeight*speedingC +
		p.BrakingWeight*brakingC +
		p.AccelWeight*accelC +
		p.TimeOfDayWeight*todC +
		p.SharpTurnWeight*turnC
	base := clamp(raw, 0, 1)

	risk := base
	if vehicleRating != nil {
		adj := 1 - p.VehicleAdjustPerStar*(*vehicleRating-p.NeutralVehicleRating)
		risk = clamp(base*adj, 0, 1)
		rating := *vehicleRating
		vehicleRating = &rating
	}

	safety := 100 -
		p.SafetyBrakePenalty*f.HardBrakeRate -
		p.SafetySpeedingPenalty*f.SpeedingRate -
		p.SafetyAccelPenalty*f.AccelerationRate

	return Result{
		BaseRiskScore: base,
		RiskScore:     risk,
		SafetyScore:   clamp(safety, 0, 100),
		RiskFactors: map[string]float64{
			FactorSpeeding:     speedingC,
			FactorBraking:      brakingC,
			FactorAcceleration: accelC,
			FactorTimeOfDay:    todC,
			FactorSharpTurn:    turnC,
		},
		ImprovementSuggestions: c.suggestions(f),
		Premium:                c.Premium(risk),
		VehicleSafetyRating:    vehicleRating,
	}, nil
}

// timeOfDayPenalty is a three-step function; night driving dominates rush
// hour driving.
func (c *Calculator) timeOfDayPenalty(f Features) float64 {
	p := c.params
	switch {
	case f.NightRatio > p.NightRatioThreshold:
		return p.NightPenalty
	case f.MorningRushRatio+f.EveningRushRatio > p.RushRatioThreshold:
		return p.RushPenalty
	default:
		return p.BasePenalty
	}
}

func (c *Calculator) suggestions(f Features) []string {
	p := c.params
	out := []string{}
	if f.SpeedingRate > p.SpeedingSuggestThreshold {
		out = append(out, SuggestSpeeding)
	}
	if f.HardBrakeRate > p.BrakingSuggestThreshold {
		out = append(out, SuggestBraking)
	}
	if f.NightRatio > p.NightSuggestThreshold {
		out = append(out, SuggestNight)
	}
	return out
}

// Premium derives the monthly premium for a risk score. Risk below the pivot
// earns a discount, risk above it a surcharge, both capped.
func (c *Calculator) Premium(risk float64) Premium {
	p := c.params
	discount := math.Round((p.PivotRisk - risk) * p.DiscountPerRisk)
	discount = clamp(discount, -p.MaxSurchargePercent, p.MaxDiscountPercent)
	return Premium{
		BasePremium:     p.BasePremium,
		DiscountPercent: discount,
		FinalPremium:    math.Round(p.BasePremium * (1 - discount/100)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
