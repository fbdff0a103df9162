package db

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trips (
    user_id            TEXT        NOT NULL,
    trip_id            TEXT        NOT NULL,
    start_time         TIMESTAMPTZ NOT NULL,
    end_time           TIMESTAMPTZ NOT NULL,
    distance_km        DOUBLE PRECISION NOT NULL,
    duration_seconds   DOUBLE PRECISION NOT NULL,
    avg_speed_kmh      DOUBLE PRECISION NOT NULL,
    max_speed_kmh      DOUBLE PRECISION NOT NULL,
    events             JSONB       NOT NULL DEFAULT '[]',
    weather_conditions TEXT,
    traffic_conditions TEXT,
    PRIMARY KEY (user_id, trip_id)
)`,
	`CREATE INDEX IF NOT EXISTS trips_start_time_idx ON trips (user_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
    user_id TEXT PRIMARY KEY,
    year    INTEGER NOT NULL,
    make    TEXT    NOT NULL,
    model   TEXT    NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS risk_scores (
    id                 BIGSERIAL PRIMARY KEY,
    run_id             UUID        NOT NULL,
    user_id            TEXT        NOT NULL,
    scored_at          TIMESTAMPTZ NOT NULL,
    lookback_days      INTEGER     NOT NULL,
    trip_count         INTEGER     NOT NULL,
    insufficient_data  BOOLEAN     NOT NULL,
    risk_score         DOUBLE PRECISION,
    base_risk_score    DOUBLE PRECISION,
    safety_score       DOUBLE PRECISION,
    speeding_score     DOUBLE PRECISION,
    hard_braking_score DOUBLE PRECISION,
    acceleration_score DOUBLE PRECISION,
    time_of_day_score  DOUBLE PRECISION,
    sharp_turn_score   DOUBLE PRECISION,
    vehicle_rating     DOUBLE PRECISION,
    discount_percent   DOUBLE PRECISION,
    final_premium      DOUBLE PRECISION,
    suggestions        JSONB       NOT NULL DEFAULT '[]'
)`,
	`CREATE INDEX IF NOT EXISTS risk_scores_user_idx ON risk_scores (user_id, scored_at DESC)`,
}

// EnsureSchema creates the tables used by the scorer if they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
