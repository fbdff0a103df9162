package rescore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drivescore/internal/db"
	"drivescore/internal/scoring"
	"drivescore/internal/telematics"
	"drivescore/internal/vehicle"
)

// Store is the persistence the scorer and the batch manager need.
type Store interface {
	scoring.TripSource
	ActiveUsers(ctx context.Context, since time.Time) ([]string, error)
	Vehicle(ctx context.Context, userID string) (telematics.Vehicle, error)
	SaveScore(ctx context.Context, rec db.ScoreRecord) error
}

// RatingProvider resolves vehicle safety ratings.
type RatingProvider interface {
	Rating(ctx context.Context, v telematics.Vehicle) (vehicle.Rating, error)
}

// Outcome is everything computed for one user.
type Outcome struct {
	UserID       string
	LookbackDays int
	Features     scoring.Features
	Result       scoring.Result
	Vehicle      *telematics.Vehicle
	Rating       *vehicle.Rating
}

// Scorer runs the aggregate-then-score pipeline for a single user.
type Scorer struct {
	store   Store
	ratings RatingProvider
	agg     *scoring.Aggregator
	calc    *scoring.Calculator
}

// NewScorer builds a scorer. ratings may be nil, in which case vehicles are
// not taken into account.
func NewScorer(store Store, ratings RatingProvider, agg *scoring.Aggregator, calc *scoring.Calculator) *Scorer {
	return &Scorer{store: store, ratings: ratings, agg: agg, calc: calc}
}

// Stage names a failing step of the pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// ScoreUser aggregates the user's recent trips and scores them. When
// ratingOverride is nil the registered vehicle's rating is looked up.
func (s *Scorer) ScoreUser(ctx context.Context, userID string, lookbackDays int, ratingOverride *float64) (Outcome, error) {
	out := Outcome{UserID: userID, LookbackDays: lookbackDays}

	f, err := s.agg.ForUser(ctx, s.store, userID, lookbackDays)
	if err != nil {
		return out, &StageError{Stage: "aggregate", Err: err}
	}
	out.Features = f

	stars := ratingOverride
	if stars == nil && f.TripCount > 0 {
		r, v, err := s.vehicleRating(ctx, userID)
		if err != nil {
			return out, &StageError{Stage: "vehicle", Err: err}
		}
		out.Vehicle, out.Rating = v, r
		if r != nil {
			stars = &r.Stars
		}
	}

	res, err := s.calc.Score(f, stars)
	if err != nil {
		return out, &StageError{Stage: "score", Err: err}
	}
	out.Result = res
	return out, nil
}

func (s *Scorer) vehicleRating(ctx context.Context, userID string) (*vehicle.Rating, *telematics.Vehicle, error) {
	if s.ratings == nil {
		return nil, nil, nil
	}
	v, err := s.store.Vehicle(ctx, userID)
	if errors.Is(err, db.ErrNoVehicle) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	r, err := s.ratings.Rating(ctx, v)
	if err != nil {
		return nil, &v, err
	}
	return &r, &v, nil
}
