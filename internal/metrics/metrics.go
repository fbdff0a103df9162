package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	UsersScored      prometheus.Counter
	InsufficientData prometheus.Counter
	ScoreErrors      *prometheus.CounterVec // stage label: aggregate|vehicle|score|save|publish

	RiskScores   prometheus.Histogram
	SafetyScores prometheus.Histogram

	RunsTotal      prometheus.Counter
	RunDuration    prometheus.Histogram
	UserDuration   prometheus.Histogram
	LastRunUsers   prometheus.Gauge
	LastRunSeconds prometheus.Gauge

	VehicleCacheHits   prometheus.Counter
	VehicleCacheMisses prometheus.Counter
	VehicleLookups     *prometheus.CounterVec // source label: nhtsa|default|fallback

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	LookbackDays    prometheus.Gauge
	RescoreInterval prometheus.Gauge // seconds
	Workers         prometheus.Gauge
}

func NewCollector(lookbackDays int, rescoreInterval time.Duration, workers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		UsersScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_users_scored_total",
			Help: "Total users scored.",
		}),
		InsufficientData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_insufficient_data_total",
			Help: "Total scoring attempts with no trips in the lookback window.",
		}),
		ScoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_errors_total",
			Help: "Scoring errors by pipeline stage.",
		}, []string{"stage"}),
		RiskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_risk_score",
			Help:    "Distribution of risk scores (0-1).",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		SafetyScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_safety_score",
			Help:    "Distribution of safety scores (0-100).",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_runs_total",
			Help: "Total batch re-scoring runs.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_run_duration_seconds",
			Help:    "Duration of batch re-scoring runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		UserDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_user_duration_seconds",
			Help:    "Duration to load, aggregate and score one user.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		LastRunUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_last_run_users",
			Help: "Users processed by the most recent run.",
		}),
		LastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_last_run_timestamp_seconds",
			Help: "Unix time the most recent run finished.",
		}),
		VehicleCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_vehicle_cache_hits_total",
			Help: "Vehicle rating cache hits.",
		}),
		VehicleCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_vehicle_cache_misses_total",
			Help: "Vehicle rating cache misses.",
		}),
		VehicleLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_vehicle_lookups_total",
			Help: "Vehicle safety registry lookups by result source.",
		}, []string{"source"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorer_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorer_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		LookbackDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_lookback_days",
			Help: "Configured lookback window in days.",
		}),
		RescoreInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_rescore_interval_seconds",
			Help: "Batch re-scoring interval in seconds.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorer_workers",
			Help: "Parallel users per batch run.",
		}),
	}

	reg.MustRegister(
		c.UsersScored, c.InsufficientData, c.ScoreErrors,
		c.RiskScores, c.SafetyScores,
		c.RunsTotal, c.RunDuration, c.UserDuration, c.LastRunUsers, c.LastRunSeconds,
		c.VehicleCacheHits, c.VehicleCacheMisses, c.VehicleLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.LookbackDays, c.RescoreInterval, c.Workers,
	)

	c.LookbackDays.Set(float64(lookbackDays))
	c.RescoreInterval.Set(rescoreInterval.Seconds())
	c.Workers.Set(float64(workers))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// The methods below satisfy the small metrics interfaces declared by the
// publisher, vehicle and rescore packages.

func (c *Collector) CacheHitInc()  { c.VehicleCacheHits.Inc() }
func (c *Collector) CacheMissInc() { c.VehicleCacheMisses.Inc() }
func (c *Collector) LookupInc(source string) {
	c.VehicleLookups.WithLabelValues(source).Inc()
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) ObserveScore(risk, safety float64, d time.Duration) {
	c.UsersScored.Inc()
	c.RiskScores.Observe(risk)
	c.SafetyScores.Observe(safety)
	c.UserDuration.Observe(d.Seconds())
}

func (c *Collector) InsufficientDataInc() { c.InsufficientData.Inc() }

func (c *Collector) ErrorInc(stage string) { c.ScoreErrors.WithLabelValues(stage).Inc() }

func (c *Collector) RunFinished(users int, d time.Duration) {
	c.RunsTotal.Inc()
	c.RunDuration.Observe(d.Seconds())
	c.LastRunUsers.Set(float64(users))
	c.LastRunSeconds.SetToCurrentTime()
}
