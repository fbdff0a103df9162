package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drivescore/internal/scoring"
	"drivescore/internal/telematics"
)

// ScoreRecord is one persisted scoring outcome.
type ScoreRecord struct {
	RunID        uuid.UUID
	UserID       string
	ScoredAt     time.Time
	LookbackDays int
	Features     scoring.Features
	Result       scoring.Result
}

// SaveScore appends a score row. Score columns are NULL when the user had
// too few trips to be scored.
func SaveScore(ctx context.Context, db *sql.DB, rec ScoreRecord) error {
	r := rec.Result
	suggestions := r.ImprovementSuggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	sugJSON, err := json.Marshal(suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}

	scored := func(v float64) sql.NullFloat64 {
		return sql.NullFloat64{Float64: v, Valid: !r.InsufficientData}
	}
	var rating sql.NullFloat64
	if r.VehicleSafetyRating != nil {
		rating = sql.NullFloat64{Float64: *r.VehicleSafetyRating, Valid: true}
	}

	q := `
INSERT INTO risk_scores (run_id, user_id, scored_at, lookback_days, trip_count, insufficient_data,
                         risk_score, base_risk_score, safety_score,
                         speeding_score, hard_braking_score, acceleration_score, time_of_day_score, sharp_turn_score,
                         vehicle_rating, discount_percent, final_premium, suggestions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err = db.ExecContext(ctx, q,
		rec.RunID.String(), rec.UserID, rec.ScoredAt, rec.LookbackDays, rec.Features.TripCount, r.InsufficientData,
		scored(r.RiskScore), scored(r.BaseRiskScore), scored(r.SafetyScore),
		scored(r.RiskFactors[scoring.FactorSpeeding]), scored(r.RiskFactors[scoring.FactorBraking]),
		scored(r.RiskFactors[scoring.FactorAcceleration]), scored(r.RiskFactors[scoring.FactorTimeOfDay]),
		scored(r.RiskFactors[scoring.FactorSharpTurn]),
		rating, scored(r.Premium.DiscountPercent), scored(r.Premium.FinalPremium), sugJSON)
	if err != nil {
		return fmt.Errorf("insert risk score: %w", err)
	}
	return nil
}

var ErrNoScore = errors.New("no stored score")

// StoredScore is a risk_scores row as served back to clients. Score fields
// are nil for rows written without enough data.
type StoredScore struct {
	RunID                  uuid.UUID          `json:"run_id"`
	UserID                 string             `json:"user_id"`
	ScoredAt               time.Time          `json:"scored_at"`
	LookbackDays           int                `json:"lookback_days"`
	TripCount              int                `json:"trip_count"`
	InsufficientData       bool               `json:"insufficient_data"`
	RiskScore              *float64           `json:"risk_score"`
	BaseRiskScore          *float64           `json:"base_risk_score"`
	SafetyScore            *float64           `json:"safety_score"`
	RiskFactors            map[string]float64 `json:"risk_factors"`
	VehicleSafetyRating    *float64           `json:"vehicle_safety_rating"`
	DiscountPercent        *float64           `json:"discount_percent"`
	FinalPremium           *float64           `json:"final_premium"`
	ImprovementSuggestions []string           `json:"improvement_suggestions"`
}

// LatestScore returns the most recent persisted score of a user or ErrNoScore.
func LatestScore(ctx context.Context, db *sql.DB, userID string) (StoredScore, error) {
	q := `
SELECT run_id::text, user_id, scored_at, lookback_days, trip_count, insufficient_data,
       risk_score, base_risk_score, safety_score,
       speeding_score, hard_braking_score, acceleration_score, time_of_day_score, sharp_turn_score,
       vehicle_rating, discount_percent, final_premium, suggestions
FROM risk_scores
WHERE user_id = $1
ORDER BY scored_at DESC, id DESC
LIMIT 1`
	var (
		s                                              StoredScore
		runID                                          string
		risk, base, safety, rating, discount, premium  sql.NullFloat64
		speeding, braking, accel, timeOfDay, sharpTurn sql.NullFloat64
		sugJSON                                        []byte
	)
	err := db.QueryRowContext(ctx, q, userID).Scan(&runID, &s.UserID, &s.ScoredAt, &s.LookbackDays, &s.TripCount,
		&s.InsufficientData, &risk, &base, &safety,
		&speeding, &braking, &accel, &timeOfDay, &sharpTurn,
		&rating, &discount, &premium, &sugJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNoScore
	}
	if err != nil {
		return s, fmt.Errorf("query latest score: %w", err)
	}
	if s.RunID, err = uuid.Parse(runID); err != nil {
		return s, fmt.Errorf("parse run id %q: %w", runID, err)
	}
	if err := json.Unmarshal(sugJSON, &s.ImprovementSuggestions); err != nil {
		return s, fmt.Errorf("decode suggestions: %w", err)
	}
	if s.ImprovementSuggestions == nil {
		s.ImprovementSuggestions = []string{}
	}

	s.RiskScore, s.BaseRiskScore, s.SafetyScore = nullable(risk), nullable(base), nullable(safety)
	s.VehicleSafetyRating = nullable(rating)
	s.DiscountPercent, s.FinalPremium = nullable(discount), nullable(premium)
	if !s.InsufficientData {
		s.RiskFactors = map[string]float64{
			scoring.FactorSpeeding:     speeding.Float64,
			scoring.FactorBraking:      braking.Float64,
			scoring.FactorAcceleration: accel.Float64,
			scoring.FactorTimeOfDay:    timeOfDay.Float64,
			scoring.FactorSharpTurn:    sharpTurn.Float64,
		}
	}
	return s, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Store adapts a connection pool to the interfaces consumed by the scoring
// and batch packages.
type Store struct {
	DB *sql.DB
}

func (s *Store) TripsSince(ctx context.Context, userID string, since time.Time) ([]telematics.Trip, error) {
	return FetchUserTrips(ctx, s.DB, userID, since)
}

func (s *Store) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	return FetchActiveUsers(ctx, s.DB, since)
}

func (s *Store) Vehicle(ctx context.Context, userID string) (telematics.Vehicle, error) {
	return FetchVehicle(ctx, s.DB, userID)
}

func (s *Store) SaveScore(ctx context.Context, rec ScoreRecord) error {
	return SaveScore(ctx, s.DB, rec)
}

func (s *Store) LatestScore(ctx context.Context, userID string) (StoredScore, error) {
	return LatestScore(ctx, s.DB, userID)
}

func (s *Store) InsertTrip(ctx context.Context, t telematics.Trip) (bool, error) {
	return InsertTrip(ctx, s.DB, t)
}

func (s *Store) Ping(ctx context.Context) error {
	return Ping(ctx, s.DB)
}

func (s *Store) UpsertVehicle(ctx context.Context, v telematics.Vehicle) error {
	return UpsertVehicle(ctx, s.DB, v)
}
