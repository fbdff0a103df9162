package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"drivescore/internal/db"
	"drivescore/internal/rescore"
	"drivescore/internal/scoring"
	"drivescore/internal/telematics"
)

type UserScorer interface {
	ScoreUser(ctx context.Context, userID string, lookbackDays int, ratingOverride *float64) (rescore.Outcome, error)
}

type TripWriter interface {
	InsertTrip(ctx context.Context, t telematics.Trip) (bool, error)
}

type VehicleWriter interface {
	UpsertVehicle(ctx context.Context, v telematics.Vehicle) error
}

type ScoreReader interface {
	LatestScore(ctx context.Context, userID string) (db.StoredScore, error)
}

// Rescorer starts a batch re-score and returns its run id without waiting.
type Rescorer interface {
	Trigger() uuid.UUID
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the routes need. Trips, Vehicles, Scores,
// Rescore and Health may be nil.
type Deps struct {
	Scorer       UserScorer
	Calculator   *scoring.Calculator
	Aggregator   *scoring.Aggregator
	Source       scoring.TripSource
	Trips        TripWriter
	Vehicles     VehicleWriter
	Scores       ScoreReader
	Rescore      Rescorer
	Health       Pinger
	LookbackDays int
}

// NewRouter wires the scoring routes onto a fresh gin engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", Health(d.Health))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/score/:user_id", ScoreUser(d.Scorer, d.LookbackDays))
		v1.POST("/score", ScoreFeatures(d.Calculator))
		v1.GET("/features/:user_id", UserFeatures(d.Aggregator, d.Source, d.LookbackDays))
		if d.Trips != nil {
			v1.POST("/trips", IngestTrip(d.Trips))
		}
		if d.Vehicles != nil {
			v1.PUT("/vehicles/:user_id", RegisterVehicle(d.Vehicles))
		}
		if d.Scores != nil {
			v1.GET("/scores/:user_id", LatestScore(d.Scores))
		}
		if d.Rescore != nil {
			v1.POST("/rescore", TriggerRescore(d.Rescore))
		}
	}
	return r
}

// scoreResponse renders a Result; score fields are null when there is not
// enough data to compute them.
type scoreResponse struct {
	UserID                 string             `json:"user_id,omitempty"`
	LookbackDays           int                `json:"lookback_days,omitempty"`
	InsufficientData       bool               `json:"insufficient_data"`
	Message                string             `json:"message,omitempty"`
	Features               *scoring.Features  `json:"features,omitempty"`
	RiskScore              *float64           `json:"risk_score"`
	BaseRiskScore          *float64           `json:"base_risk_score"`
	SafetyScore            *float64           `json:"safety_score"`
	RiskFactors            map[string]float64 `json:"risk_factors"`
	ImprovementSuggestions []string           `json:"improvement_suggestions"`
	Premium                *scoring.Premium   `json:"premium"`
	VehicleSafetyRating    *float64           `json:"vehicle_safety_rating"`
	VehicleRatingSource    string             `json:"vehicle_rating_source,omitempty"`
}

func newScoreResponse(r scoring.Result) scoreResponse {
	resp := scoreResponse{
		InsufficientData:       r.InsufficientData,
		ImprovementSuggestions: r.ImprovementSuggestions,
		VehicleSafetyRating:    r.VehicleSafetyRating,
	}
	if resp.ImprovementSuggestions == nil {
		resp.ImprovementSuggestions = []string{}
	}
	if r.InsufficientData {
		resp.Message = "no trips in the lookback window"
		return resp
	}
	risk, base, safety, premium := r.RiskScore, r.BaseRiskScore, r.SafetyScore, r.Premium
	resp.RiskScore, resp.BaseRiskScore, resp.SafetyScore = &risk, &base, &safety
	resp.RiskFactors = r.RiskFactors
	resp.Premium = &premium
	return resp
}

func Health(p Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ScoreUser scores a stored user's recent trips. Optional query parameters:
// lookback_days and vehicle_rating (overrides the registry lookup).
func ScoreUser(s UserScorer, defaultLookback int) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		days, ok := lookbackParam(c, defaultLookback)
		if !ok {
			return
		}
		var override *float64
		if v := c.Query("vehicle_rating"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "vehicle_rating must be a number"})
				return
			}
			override = &f
		}

		out, err := s.ScoreUser(c.Request.Context(), userID, days, override)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := newScoreResponse(out.Result)
		resp.UserID = userID
		resp.LookbackDays = days
		resp.Features = &out.Features
		if out.Rating != nil {
			resp.VehicleRatingSource = out.Rating.Source
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ScoreFeatures scores a caller-supplied feature set without touching storage.
func ScoreFeatures(calc *scoring.Calculator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Features      *scoring.Features `json:"features" binding:"required"`
			VehicleRating *float64          `json:"vehicle_rating"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := scoring.ValidateFeatures(*input.Features); err != nil {
			writeError(c, err)
			return
		}
		res, err := calc.Score(*input.Features, input.VehicleRating)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newScoreResponse(res))
	}
}

func UserFeatures(agg *scoring.Aggregator, src scoring.TripSource, defaultLookback int) gin.HandlerFunc {
	return func(c *gin.Context) {
		days, ok := lookbackParam(c, defaultLookback)
		if !ok {
			return
		}
		f, err := agg.ForUser(c.Request.Context(), src, c.Param("user_id"), days)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":       c.Param("user_id"),
			"lookback_days": days,
			"features":      f,
		})
	}
}

// IngestTrip validates and stores one trip. Re-posting a known trip_id is a
// no-op reported with 200 instead of 201.
func IngestTrip(w TripWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var t telematics.Trip
		if err := c.ShouldBindJSON(&t); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := scoring.ValidateTrip(t); err != nil {
			writeError(c, err)
			return
		}
		inserted, err := w.InsertTrip(c.Request.Context(), t)
		if err != nil {
			writeError(c, err)
			return
		}
		status := http.StatusCreated
		if !inserted {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"trip_id": t.TripID, "inserted": inserted})
	}
}

// RegisterVehicle sets the vehicle whose safety rating adjusts the user's risk.
func RegisterVehicle(w VehicleWriter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Year  int    `json:"year" binding:"required"`
			Make  string `json:"make" binding:"required"`
			Model string `json:"model" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if input.Year < 1900 || input.Year > time.Now().Year()+1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "year out of range"})
			return
		}
		v := telematics.Vehicle{
			UserID: c.Param("user_id"),
			Year:   input.Year,
			Make:   strings.TrimSpace(input.Make),
			Model:  strings.TrimSpace(input.Model),
		}
		if err := w.UpsertVehicle(c.Request.Context(), v); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// LatestScore returns the most recent stored score of a user.
func LatestScore(r ScoreReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := r.LatestScore(c.Request.Context(), c.Param("user_id"))
		if errors.Is(err, db.ErrNoScore) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no score stored for user"})
			return
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func TriggerRescore(r Rescorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := r.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"run_id": id.String(), "status": "started"})
	}
}

func lookbackParam(c *gin.Context, def int) (int, bool) {
	v := c.Query("lookback_days")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lookback_days must be a positive integer"})
		return 0, false
	}
	return n, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scoring.ErrOutOfRange), errors.Is(err, scoring.ErrInvalidTripData):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request canceled"})
	default:
		log.Printf("api %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
