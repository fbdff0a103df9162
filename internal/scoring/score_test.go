package scoring

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func rating(v float64) *float64 { return &v }

func referenceFeatures() Features {
	return Features{
		TripCount:        10,
		SpeedingRate:     0.2,
		HardBrakeRate:    0.05,
		AccelerationRate: 0.05,
		NightRatio:       0.1,
		MorningRushRatio: 0.1,
		EveningRushRatio: 0.1,
		SharpTurnRate:    0,
	}
}

func TestScoreReferenceScenario(t *testing.T) {
	res, err := Score(referenceFeatures(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.InsufficientData {
		t.Fatal("unexpected insufficient data")
	}
	if !approx(res.RiskScore, 0.57) {
		t.Errorf("risk = %v, want 0.57", res.RiskScore)
	}
	if !approx(res.BaseRiskScore, res.RiskScore) {
		t.Errorf("base risk %v differs from risk %v without a vehicle rating", res.BaseRiskScore, res.RiskScore)
	}
	wantFactors := map[string]float64{
		FactorSpeeding:     1.0,
		FactorBraking:      0.5,
		FactorAcceleration: 0.5,
		FactorTimeOfDay:    0.2,
		FactorSharpTurn:    0,
	}
	for k, want := range wantFactors {
		if got := res.RiskFactors[k]; !approx(got, want) {
			t.Errorf("factor %s = %v, want %v", k, got, want)
		}
	}
	// 100 - 50*0.05 - 30*0.2 - 20*0.05
	if !approx(res.SafetyScore, 90.5) {
		t.Errorf("safety = %v, want 90.5", res.SafetyScore)
	}
	if res.Premium.DiscountPercent != -22 {
		t.Errorf("discount = %v, want -22", res.Premium.DiscountPercent)
	}
	if res.Premium.FinalPremium != 146 {
		t.Errorf("premium = %v, want 146", res.Premium.FinalPremium)
	}
	if res.Premium.BasePremium != 120 {
		t.Errorf("base premium = %v, want 120", res.Premium.BasePremium)
	}
	if !reflect.DeepEqual(res.ImprovementSuggestions, []string{SuggestSpeeding}) {
		t.Errorf("suggestions = %v", res.ImprovementSuggestions)
	}
}

func TestScoreSuggestionOrder(t *testing.T) {
	f := Features{TripCount: 20, SpeedingRate: 0.15, HardBrakeRate: 0.12, NightRatio: 0.35}
	res, err := Score(f, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{SuggestSpeeding, SuggestBraking, SuggestNight}
	if !reflect.DeepEqual(res.ImprovementSuggestions, want) {
		t.Errorf("suggestions = %v, want %v", res.ImprovementSuggestions, want)
	}
}

func TestScoreNoSuggestions(t *testing.T) {
	res, err := Score(Features{TripCount: 3}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ImprovementSuggestions == nil || len(res.ImprovementSuggestions) != 0 {
		t.Errorf("expected empty non-nil suggestions, got %#v", res.ImprovementSuggestions)
	}
}

func TestScoreTimeOfDayTiers(t *testing.T) {
	tests := []struct {
		name             string
		night, morn, eve float64
		want             float64
	}{
		{"base", 0.1, 0.1, 0.1, 0.2},
		{"rush", 0.1, 0.3, 0.2, 0.6},
		{"rush boundary", 0, 0.2, 0.2, 0.2},
		{"night", 0.31, 0, 0, 0.8},
		{"night beats rush", 0.4, 0.3, 0.3, 0.8},
		{"night boundary", 0.3, 0, 0, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Features{TripCount: 10, NightRatio: tt.night, MorningRushRatio: tt.morn, EveningRushRatio: tt.eve}
			res, err := Score(f, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := res.RiskFactors[FactorTimeOfDay]; !approx(got, tt.want) {
				t.Errorf("penalty = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreInsufficientData(t *testing.T) {
	f, err := Aggregate(nil, 30)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	res, err := Score(f, rating(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.InsufficientData {
		t.Fatal("expected insufficient data flag")
	}
	if res.RiskFactors != nil {
		t.Errorf("expected no risk factors, got %v", res.RiskFactors)
	}
}

func TestScoreRejectsOutOfRangeRating(t *testing.T) {
	for _, r := range []float64{0, 0.99, 5.01, -3, math.NaN()} {
		if _, err := Score(referenceFeatures(), rating(r)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("rating %v: expected ErrOutOfRange, got %v", r, err)
		}
	}
	// Range is checked before the data sufficiency test.
	if _, err := Score(Features{}, rating(9)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange on empty features, got %v", err)
	}
}

func TestScoreVehicleAdjustment(t *testing.T) {
	f := referenceFeatures()
	neutral, err := Score(f, rating(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	safe, err := Score(f, rating(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unsafe, err := Score(f, rating(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !approx(neutral.RiskScore, 0.57) {
		t.Errorf("3-star risk = %v, want 0.57", neutral.RiskScore)
	}
	if !approx(safe.RiskScore, 0.57*0.94) || safe.RiskScore >= neutral.RiskScore {
		t.Errorf("5-star risk = %v, want %v", safe.RiskScore, 0.57*0.94)
	}
	if !approx(unsafe.RiskScore, 0.57*1.06) || unsafe.RiskScore <= neutral.RiskScore {
		t.Errorf("1-star risk = %v, want %v", unsafe.RiskScore, 0.57*1.06)
	}
	if !approx(safe.BaseRiskScore, 0.57) {
		t.Errorf("base risk should ignore the vehicle, got %v", safe.BaseRiskScore)
	}
	if safe.SafetyScore != neutral.SafetyScore {
		t.Errorf("safety score should not depend on the vehicle: %v vs %v", safe.SafetyScore, neutral.SafetyScore)
	}
	if safe.VehicleSafetyRating == nil || *safe.VehicleSafetyRating != 5 {
		t.Errorf("expected rating echoed back, got %v", safe.VehicleSafetyRating)
	}
}

func TestScoreVehicleAdjustmentClamped(t *testing.T) {
	f := Features{TripCount: 1, SpeedingRate: 10, HardBrakeRate: 10, AccelerationRate: 10, SharpTurnRate: 10, NightRatio: 1}
	res, err := Score(f, rating(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RiskScore != 1 {
		t.Errorf("risk = %v, want clamp to 1", res.RiskScore)
	}
}

func TestScoreBoundsUnderExtremeRates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pick := func() float64 {
		switch rng.Intn(4) {
		case 0:
			return 0
		case 1:
			return 1000
		default:
			return rng.Float64() * 50
		}
	}
	for i := 0; i < 500; i++ {
		f := Features{
			TripCount:        1 + rng.Intn(100),
			HardBrakeRate:    pick(),
			SpeedingRate:     pick(),
			AccelerationRate: pick(),
			SharpTurnRate:    pick(),
			NightRatio:       rng.Float64(),
			MorningRushRatio: rng.Float64(),
			EveningRushRatio: rng.Float64(),
		}
		var r *float64
		if rng.Intn(2) == 0 {
			r = rating(1 + rng.Float64()*4)
		}
		res, err := Score(f, r)
		if err != nil {
			t.Fatalf("unexpected error for %+v: %v", f, err)
		}
		if res.RiskScore < 0 || res.RiskScore > 1 {
			t.Fatalf("risk %v out of [0,1] for %+v", res.RiskScore, f)
		}
		if res.SafetyScore < 0 || res.SafetyScore > 100 {
			t.Fatalf("safety %v out of [0,100] for %+v", res.SafetyScore, f)
		}
		for k, v := range res.RiskFactors {
			if v < 0 || v > 1 {
				t.Fatalf("factor %s = %v out of [0,1]", k, v)
			}
		}
		if d := res.Premium.DiscountPercent; d < -60 || d > 45 {
			t.Fatalf("discount %v outside caps", d)
		}
		if res.Premium.FinalPremium <= 0 {
			t.Fatalf("non-positive premium %v", res.Premium.FinalPremium)
		}
	}
}

func TestScoreIdempotent(t *testing.T) {
	f := referenceFeatures()
	a, err := Score(f, rating(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Score(f, rating(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("results differ:\n%+v\n%+v", a, b)
	}
}

func TestScoreMonotonicInHardBraking(t *testing.T) {
	f := referenceFeatures()
	prev, err := Score(f, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rate := range []float64{0.06, 0.08, 0.1, 0.2, 0.5, 1, 3, 10, 1000} {
		f.HardBrakeRate = rate
		res, err := Score(f, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.RiskScore < prev.RiskScore {
			t.Errorf("risk decreased from %v to %v at rate %v", prev.RiskScore, res.RiskScore, rate)
		}
		if res.SafetyScore > prev.SafetyScore {
			t.Errorf("safety increased from %v to %v at rate %v", prev.SafetyScore, res.SafetyScore, rate)
		}
		prev = res
	}
}

func TestPremiumCaps(t *testing.T) {
	c := NewCalculator(DefaultParams())
	tests := []struct {
		risk         float64
		wantDiscount float64
		wantPremium  float64
	}{
		{0, 25, 90},
		{0.3, 0, 120},
		{1, -58, 190},
	}
	for _, tt := range tests {
		p := c.Premium(tt.risk)
		if p.DiscountPercent != tt.wantDiscount || p.FinalPremium != tt.wantPremium {
			t.Errorf("risk %v: got %+v, want discount %v premium %v", tt.risk, p, tt.wantDiscount, tt.wantPremium)
		}
	}

	params := DefaultParams()
	params.DiscountPerRisk = 500
	c = NewCalculator(params)
	if p := c.Premium(0); p.DiscountPercent != 45 || p.FinalPremium != 66 {
		t.Errorf("expected discount capped at 45%%, got %+v", p)
	}
	if p := c.Premium(1); p.DiscountPercent != -60 || p.FinalPremium != 192 {
		t.Errorf("expected surcharge capped at 60%%, got %+v", p)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	p := DefaultParams()
	p.BasePremium = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero base premium")
	}
	p = DefaultParams()
	p.Night = HourRange{From: 22, To: 22}
	if err := p.Validate(); err == nil {
		t.Error("expected error for empty night range")
	}
}
