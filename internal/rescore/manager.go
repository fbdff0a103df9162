package rescore

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"drivescore/internal/db"
	"drivescore/internal/publisher"
)

type Publisher interface {
	PublishScore(msg publisher.ScoreMessage) error
}

type Metrics interface {
	ObserveScore(risk, safety float64, d time.Duration)
	InsufficientDataInc()
	ErrorInc(stage string)
	RunFinished(users int, d time.Duration)
}

// Summary describes one batch run.
type Summary struct {
	RunID        uuid.UUID
	Users        int
	Scored       int
	Insufficient int
	Failed       int
	Duration     time.Duration
}

// Manager periodically re-scores every user with trips in the lookback
// window, persisting and publishing each result.
type Manager struct {
	scorer       *Scorer
	store        Store
	pub          Publisher
	lookbackDays int
	workers      int
	interval     time.Duration
	metrics      Metrics
	clock        clockz.Clock

	runMu sync.Mutex // one run at a time

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup

	// triggered runs outlive the request that started them
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewManager builds a manager; pub and m may be nil.
func NewManager(scorer *Scorer, store Store, pub Publisher, lookbackDays, workers int, interval time.Duration, m Metrics) *Manager {
	if workers < 1 {
		workers = 1
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Manager{
		scorer:       scorer,
		store:        store,
		pub:          pub,
		lookbackDays: lookbackDays,
		workers:      workers,
		interval:     interval,
		metrics:      m,
		clock:        clockz.RealClock,
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}
}

// WithClock sets the clock used for timestamps and the refresher period.
func (m *Manager) WithClock(clock clockz.Clock) *Manager {
	m.clock = clock
	return m
}

// RunOnce scores all active users. Per-user failures are logged and counted
// but do not abort the run; only failing to list users does.
func (m *Manager) RunOnce(ctx context.Context) (Summary, error) {
	return m.run(ctx, uuid.New())
}

// Trigger starts a run in the background and returns its id immediately. The
// run waits for any run already in progress and is canceled by Stop.
func (m *Manager) Trigger() uuid.UUID {
	id := uuid.New()
	m.bgWG.Add(1)
	go func() {
		defer m.bgWG.Done()
		if _, err := m.run(m.bgCtx, id); err != nil && m.bgCtx.Err() == nil {
			log.Printf("triggered run %s error: %v", id, err)
		}
	}()
	return id
}

func (m *Manager) run(ctx context.Context, runID uuid.UUID) (Summary, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := m.clock.Now()
	sum := Summary{RunID: runID}
	users, err := m.store.ActiveUsers(ctx, m.scorer.agg.WindowStart(m.lookbackDays))
	if err != nil {
		return sum, err
	}
	sum.Users = len(users)
	log.Printf("run %s: scoring %d users (lookback %dd, %d workers)", sum.RunID, len(users), m.lookbackDays, m.workers)

	jobs := make(chan string)
	results := make(chan userResult)
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range jobs {
				results <- m.processUser(ctx, sum.RunID, userID)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, u := range users {
			select {
			case <-ctx.Done():
				return
			case jobs <- u:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		switch {
		case r.err != nil:
			sum.Failed++
		case r.insufficient:
			sum.Insufficient++
		default:
			sum.Scored++
		}
	}

	sum.Duration = m.clock.Now().Sub(start)
	if m.metrics != nil {
		m.metrics.RunFinished(sum.Users, sum.Duration)
	}
	log.Printf("run %s finished in %s: scored=%d insufficient=%d failed=%d",
		sum.RunID, sum.Duration.Round(time.Millisecond), sum.Scored, sum.Insufficient, sum.Failed)
	return sum, ctx.Err()
}

type userResult struct {
	insufficient bool
	err          error
}

func (m *Manager) processUser(ctx context.Context, runID uuid.UUID, userID string) userResult {
	start := m.clock.Now()
	out, err := m.scorer.ScoreUser(ctx, userID, m.lookbackDays, nil)
	if err != nil {
		m.fail(userID, err)
		return userResult{err: err}
	}

	now := m.clock.Now()
	rec := db.ScoreRecord{
		RunID:        runID,
		UserID:       userID,
		ScoredAt:     now,
		LookbackDays: m.lookbackDays,
		Features:     out.Features,
		Result:       out.Result,
	}
	if err := m.store.SaveScore(ctx, rec); err != nil {
		err = &StageError{Stage: "save", Err: err}
		m.fail(userID, err)
		return userResult{err: err}
	}

	if m.pub != nil {
		msg := publisher.NewScoreMessage(runID.String(), userID, now, m.lookbackDays, out.Features, out.Result)
		if err := m.pub.PublishScore(msg); err != nil {
			// The score is already stored; a lost notification is not a failed user.
			log.Printf("publish score for %s: %v", userID, err)
			if m.metrics != nil {
				m.metrics.ErrorInc("publish")
			}
		}
	}

	if m.metrics != nil {
		if out.Result.InsufficientData {
			m.metrics.InsufficientDataInc()
		} else {
			m.metrics.ObserveScore(out.Result.RiskScore, out.Result.SafetyScore, m.clock.Now().Sub(start))
		}
	}
	return userResult{insufficient: out.Result.InsufficientData}
}

func (m *Manager) fail(userID string, err error) {
	log.Printf("score user %s: %v", userID, err)
	if m.metrics == nil {
		return
	}
	stage := "unknown"
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	m.metrics.ErrorInc(stage)
}

// StartRefresher launches a background loop that runs immediately and then
// every interval until Stop or ctx cancellation.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("rescore run error: %v", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.interval):
				if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
					log.Printf("rescore run error: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the refresher and any triggered runs and waits for them.
func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.bgCancel()
	m.refreshWG.Wait()
	m.bgWG.Wait()
}
