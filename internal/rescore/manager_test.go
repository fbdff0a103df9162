package rescore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"drivescore/internal/db"
	"drivescore/internal/publisher"
	"drivescore/internal/scoring"
	"drivescore/internal/telematics"
	"drivescore/internal/vehicle"
)

type fakeStore struct {
	mu       sync.Mutex
	trips    map[string][]telematics.Trip
	vehicles map[string]telematics.Vehicle
	tripErr  map[string]error
	saveErr  error
	saved    []db.ScoreRecord
}

func (s *fakeStore) TripsSince(_ context.Context, userID string, _ time.Time) ([]telematics.Trip, error) {
	if err := s.tripErr[userID]; err != nil {
		return nil, err
	}
	return s.trips[userID], nil
}

func (s *fakeStore) ActiveUsers(context.Context, time.Time) ([]string, error) {
	var users []string
	for u := range s.trips {
		users = append(users, u)
	}
	for u := range s.tripErr {
		users = append(users, u)
	}
	return users, nil
}

func (s *fakeStore) Vehicle(_ context.Context, userID string) (telematics.Vehicle, error) {
	v, ok := s.vehicles[userID]
	if !ok {
		return telematics.Vehicle{}, db.ErrNoVehicle
	}
	return v, nil
}

func (s *fakeStore) SaveScore(_ context.Context, rec db.ScoreRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return nil
}

type fakeRatings struct{ stars float64 }

func (f fakeRatings) Rating(_ context.Context, v telematics.Vehicle) (vehicle.Rating, error) {
	return vehicle.Rating{Stars: f.stars, Source: vehicle.SourceNHTSA}, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publisher.ScoreMessage
	err  error
}

func (p *fakePublisher) PublishScore(msg publisher.ScoreMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

type fakeMetrics struct {
	mu           sync.Mutex
	scored       int
	insufficient int
	errs         map[string]int
	runs         int
}

func (m *fakeMetrics) ObserveScore(float64, float64, time.Duration) {
	m.mu.Lock()
	m.scored++
	m.mu.Unlock()
}

func (m *fakeMetrics) InsufficientDataInc() {
	m.mu.Lock()
	m.insufficient++
	m.mu.Unlock()
}

func (m *fakeMetrics) ErrorInc(stage string) {
	m.mu.Lock()
	if m.errs == nil {
		m.errs = map[string]int{}
	}
	m.errs[stage]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RunFinished(int, time.Duration) { m.runs++ }

func recentTrip(clock clockz.Clock, user, id string, events ...telematics.EventType) telematics.Trip {
	start := clock.Now().Add(-48 * time.Hour)
	t := telematics.Trip{
		UserID:          user,
		TripID:          id,
		StartTime:       start,
		EndTime:         start.Add(20 * time.Minute),
		DistanceKm:      10,
		DurationSeconds: 1200,
		AvgSpeedKmh:     30,
		MaxSpeedKmh:     60,
	}
	for i, et := range events {
		t.Events = append(t.Events, telematics.Event{
			Type:      et,
			Timestamp: start.Add(time.Duration(i+1) * time.Minute),
			Severity:  0.7,
			Speed:     50,
		})
	}
	return t
}

func newScorer(clock clockz.Clock, store Store, ratings RatingProvider) *Scorer {
	agg := scoring.NewAggregator(scoring.DefaultParams(), time.UTC).WithClock(clock)
	return NewScorer(store, ratings, agg, scoring.NewCalculator(scoring.DefaultParams()))
}

func TestScoreUserUsesVehicleRating(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{
		trips: map[string][]telematics.Trip{
			"alice": {recentTrip(clock, "alice", "a1", telematics.HardBrake)},
		},
		vehicles: map[string]telematics.Vehicle{
			"alice": {UserID: "alice", Year: 2021, Make: "Toyota", Model: "Camry"},
		},
	}
	s := newScorer(clock, store, fakeRatings{stars: 5})

	out, err := s.ScoreUser(context.Background(), "alice", 30, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Rating == nil || out.Rating.Stars != 5 {
		t.Fatalf("expected 5-star rating, got %+v", out.Rating)
	}
	if out.Result.VehicleSafetyRating == nil || *out.Result.VehicleSafetyRating != 5 {
		t.Errorf("result did not carry vehicle rating: %+v", out.Result)
	}
	if !(out.Result.RiskScore < out.Result.BaseRiskScore) {
		t.Errorf("5-star vehicle should lower risk: base=%v adjusted=%v", out.Result.BaseRiskScore, out.Result.RiskScore)
	}
}

func TestScoreUserOverrideSkipsLookup(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{
		trips:    map[string][]telematics.Trip{"bob": {recentTrip(clock, "bob", "b1")}},
		vehicles: map[string]telematics.Vehicle{"bob": {UserID: "bob", Year: 2010, Make: "Ford", Model: "Focus"}},
	}
	s := newScorer(clock, store, fakeRatings{stars: 1})
	override := 2.0

	out, err := s.ScoreUser(context.Background(), "bob", 30, &override)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Rating != nil {
		t.Errorf("override should not look up the registry, got %+v", out.Rating)
	}
	if out.Result.VehicleSafetyRating == nil || *out.Result.VehicleSafetyRating != 2 {
		t.Errorf("expected override rating 2, got %+v", out.Result.VehicleSafetyRating)
	}
}

func TestScoreUserWithoutVehicle(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{"carol": {recentTrip(clock, "carol", "c1")}}}
	s := newScorer(clock, store, fakeRatings{stars: 5})

	out, err := s.ScoreUser(context.Background(), "carol", 30, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Vehicle != nil || out.Rating != nil || out.Result.VehicleSafetyRating != nil {
		t.Errorf("expected no vehicle data, got %+v", out)
	}
	if out.Result.RiskScore != out.Result.BaseRiskScore {
		t.Errorf("risk should be unadjusted without a vehicle")
	}
}

func TestScoreUserInsufficientData(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := newScorer(clock, &fakeStore{}, fakeRatings{stars: 5})

	out, err := s.ScoreUser(context.Background(), "nobody", 30, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Result.InsufficientData {
		t.Errorf("expected insufficient data, got %+v", out.Result)
	}
}

func TestScoreUserStageErrors(t *testing.T) {
	clock := clockz.NewFakeClock()
	boom := errors.New("boom")
	store := &fakeStore{tripErr: map[string]error{"dave": boom}}
	s := newScorer(clock, store, nil)

	_, err := s.ScoreUser(context.Background(), "dave", 30, nil)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "aggregate" || !errors.Is(err, boom) {
		t.Fatalf("expected aggregate stage error wrapping boom, got %v", err)
	}

	bad := 9.0
	_, err = s.ScoreUser(context.Background(), "nobody", 30, &bad)
	if !errors.Is(err, scoring.ErrOutOfRange) {
		t.Fatalf("expected out of range rating, got %v", err)
	}
}

func TestRunOnce(t *testing.T) {
	clock := clockz.NewFakeClock()
	boom := errors.New("db down")
	store := &fakeStore{
		trips: map[string][]telematics.Trip{
			"alice": {recentTrip(clock, "alice", "a1", telematics.Speeding)},
			"bob":   {recentTrip(clock, "bob", "b1"), recentTrip(clock, "bob", "b2", telematics.HardBrake)},
			"old":   nil,
		},
		tripErr: map[string]error{"broken": boom},
	}
	pub := &fakePublisher{}
	m := &fakeMetrics{}
	mgr := NewManager(newScorer(clock, store, nil), store, pub, 30, 3, 0, m)

	sum, err := mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Users != 4 || sum.Scored != 2 || sum.Insufficient != 1 || sum.Failed != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if len(store.saved) != 3 {
		t.Fatalf("saved %d records, want 3", len(store.saved))
	}
	for _, rec := range store.saved {
		if rec.RunID != sum.RunID {
			t.Errorf("record run id %s, want %s", rec.RunID, sum.RunID)
		}
	}
	if len(pub.msgs) != 3 {
		t.Errorf("published %d messages, want 3", len(pub.msgs))
	}
	if m.scored != 2 || m.insufficient != 1 || m.errs["aggregate"] != 1 || m.runs != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRunOncePublishFailureIsNotFatal(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{"alice": {recentTrip(clock, "alice", "a1")}}}
	pub := &fakePublisher{err: errors.New("nats down")}
	m := &fakeMetrics{}
	mgr := NewManager(newScorer(clock, store, nil), store, pub, 30, 1, 0, m)

	sum, err := mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Scored != 1 || sum.Failed != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if m.errs["publish"] != 1 {
		t.Errorf("publish error not counted: %+v", m.errs)
	}
}

func TestRunOnceSaveFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{
		trips:   map[string][]telematics.Trip{"alice": {recentTrip(clock, "alice", "a1")}},
		saveErr: errors.New("disk full"),
	}
	pub := &fakePublisher{}
	mgr := NewManager(newScorer(clock, store, nil), store, pub, 30, 2, 0, nil)

	sum, err := mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 || len(pub.msgs) != 0 {
		t.Errorf("unsaved score must not be published: %+v, msgs=%d", sum, len(pub.msgs))
	}
}

func TestRefresherStops(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{"alice": {recentTrip(clock, "alice", "a1")}}}
	mgr := NewManager(newScorer(clock, store, nil), store, nil, 30, 1, time.Hour, nil)

	mgr.StartRefresher(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.saved)
		store.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial run did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mgr.Stop()
}

func waitSaved(t *testing.T, store *fakeStore, n int) []db.ScoreRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		saved := append([]db.ScoreRecord(nil), store.saved...)
		store.mu.Unlock()
		if len(saved) >= n {
			return saved
		}
		if time.Now().After(deadline) {
			t.Fatalf("saved %d records, want %d", len(saved), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunOnceUsesClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{"alice": {recentTrip(clock, "alice", "a1")}}}
	pub := &fakePublisher{}
	mgr := NewManager(newScorer(clock, store, nil), store, pub, 30, 1, 0, nil).WithClock(clock)

	sum, err := mgr.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Duration != 0 {
		t.Errorf("duration = %s on a stopped clock", sum.Duration)
	}
	if len(store.saved) != 1 || !store.saved[0].ScoredAt.Equal(clock.Now()) {
		t.Fatalf("scored_at = %v, want %v", store.saved, clock.Now())
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{
		"alice": {recentTrip(clock, "alice", "a1")},
		"bob":   {recentTrip(clock, "bob", "b1", telematics.HardBrake)},
	}}
	mgr := NewManager(newScorer(clock, store, nil), store, nil, 30, 2, 0, nil).WithClock(clock)
	defer mgr.Stop()

	id := mgr.Trigger()
	for _, rec := range waitSaved(t, store, 2) {
		if rec.RunID != id {
			t.Errorf("record run id %s, want %s", rec.RunID, id)
		}
	}
}

func TestRefresherFollowsClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	store := &fakeStore{trips: map[string][]telematics.Trip{"alice": {recentTrip(clock, "alice", "a1")}}}
	mgr := NewManager(newScorer(clock, store, nil), store, nil, 30, 1, time.Hour, nil).WithClock(clock)

	mgr.StartRefresher(context.Background())
	defer mgr.Stop()
	waitSaved(t, store, 1)

	deadline := time.Now().Add(2 * time.Second)
	for !clock.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("refresher never waited on the clock")
		}
		time.Sleep(5 * time.Millisecond)
	}
	clock.Advance(time.Hour)
	clock.BlockUntilReady()
	saved := waitSaved(t, store, 2)
	if saved[0].RunID == saved[1].RunID {
		t.Error("periodic run reused the first run id")
	}
}
