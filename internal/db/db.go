package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"drivescore/internal/telematics"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNoVehicle = errors.New("no vehicle registered")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// InsertTrip stores a trip with its events. Re-sending an already stored
// trip is a no-op; inserted reports whether a row was written.
func InsertTrip(ctx context.Context, db *sql.DB, t telematics.Trip) (inserted bool, err error) {
	events := t.Events
	if events == nil {
		events = []telematics.Event{}
	}
	evJSON, err := json.Marshal(events)
	if err != nil {
		return false, fmt.Errorf("encode events: %w", err)
	}
	q := `
INSERT INTO trips (user_id, trip_id, start_time, end_time, distance_km, duration_seconds,
                   avg_speed_kmh, max_speed_kmh, events, weather_conditions, traffic_conditions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''))
ON CONFLICT (user_id, trip_id) DO NOTHING`
	res, err := db.ExecContext(ctx, q,
		t.UserID, t.TripID, t.StartTime, t.EndTime, t.DistanceKm, t.DurationSeconds,
		t.AvgSpeedKmh, t.MaxSpeedKmh, evJSON, t.WeatherConditions, t.TrafficConditions)
	if err != nil {
		return false, fmt.Errorf("insert trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FetchUserTrips returns the user's trips that started at or after since,
// oldest first.
func FetchUserTrips(ctx context.Context, db *sql.DB, userID string, since time.Time) ([]telematics.Trip, error) {
	q := `
SELECT user_id, trip_id, start_time, end_time, distance_km, duration_seconds,
       avg_speed_kmh, max_speed_kmh, events,
       COALESCE(weather_conditions, ''), COALESCE(traffic_conditions, '')
FROM trips
WHERE user_id = $1 AND start_time >= $2
ORDER BY start_time`
	rows, err := db.QueryContext(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []telematics.Trip
	for rows.Next() {
		var t telematics.Trip
		var evJSON []byte
		if err := rows.Scan(&t.UserID, &t.TripID, &t.StartTime, &t.EndTime, &t.DistanceKm, &t.DurationSeconds,
			&t.AvgSpeedKmh, &t.MaxSpeedKmh, &evJSON, &t.WeatherConditions, &t.TrafficConditions); err != nil {
			return nil, err
		}
		if len(evJSON) > 0 {
			if err := json.Unmarshal(evJSON, &t.Events); err != nil {
				return nil, fmt.Errorf("decode events of trip %s: %w", t.TripID, err)
			}
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// FetchActiveUsers returns users with at least one trip started at or after since.
func FetchActiveUsers(ctx context.Context, db *sql.DB, since time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT user_id FROM trips WHERE start_time >= $1 ORDER BY user_id`, since)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FetchVehicle returns the primary vehicle of a user or ErrNoVehicle.
func FetchVehicle(ctx context.Context, db *sql.DB, userID string) (telematics.Vehicle, error) {
	v := telematics.Vehicle{UserID: userID}
	err := db.QueryRowContext(ctx, `SELECT year, make, model FROM vehicles WHERE user_id = $1`, userID).
		Scan(&v.Year, &v.Make, &v.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNoVehicle
	}
	if err != nil {
		return v, fmt.Errorf("query vehicle: %w", err)
	}
	return v, nil
}

// UpsertVehicle registers or replaces a user's primary vehicle.
func UpsertVehicle(ctx context.Context, db *sql.DB, v telematics.Vehicle) error {
	q := `
INSERT INTO vehicles (user_id, year, make, model) VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET year = EXCLUDED.year, make = EXCLUDED.make, model = EXCLUDED.model`
	if _, err := db.ExecContext(ctx, q, v.UserID, v.Year, v.Make, v.Model); err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}
