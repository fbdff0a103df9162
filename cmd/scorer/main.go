package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"drivescore/internal/api"
	"drivescore/internal/config"
	"drivescore/internal/db"
	"drivescore/internal/metrics"
	"drivescore/internal/publisher"
	"drivescore/internal/rescore"
	"drivescore/internal/scoring"
	"drivescore/internal/vehicle"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	params := scoring.DefaultParams()
	params.BasePremium = cfg.BasePremium
	if err := params.Validate(); err != nil {
		log.Fatalf("scoring params: %v", err)
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		log.Fatalf("db schema error: %v", err)
	}
	store := &db.Store{DB: sqlDB}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.LookbackDays, cfg.RescoreInterval, cfg.RescoreWorkers)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	// Initialize NATS publisher
	var pubMetrics publisher.PublisherMetrics
	if mcol != nil {
		pubMetrics = mcol
	}
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pubMetrics)
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	// Vehicle ratings: NHTSA behind an optional redis cache
	var cache vehicle.Cache
	if cfg.RedisURL != "" {
		rc, err := vehicle.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("redis unavailable, vehicle ratings will not be cached: %v", err)
		} else {
			defer rc.Close()
			cache = rc
		}
	}
	var provMetrics vehicle.ProviderMetrics
	if mcol != nil {
		provMetrics = mcol
	}
	nhtsa := vehicle.NewClient(cfg.NHTSABaseURL, cfg.NHTSATimeout, cfg.NHTSARetries)
	ratings := vehicle.NewProvider(nhtsa, cache, cfg.VehicleCacheTTL, provMetrics)

	agg := scoring.NewAggregator(params, cfg.Location)
	calc := scoring.NewCalculator(params)
	scorer := rescore.NewScorer(store, ratings, agg, calc)

	var mgrMetrics rescore.Metrics
	if mcol != nil {
		mgrMetrics = mcol
	}
	mgr := rescore.NewManager(scorer, store, pub, cfg.LookbackDays, cfg.RescoreWorkers, cfg.RescoreInterval, mgrMetrics)
	mgr.StartRefresher(ctx)
	// Deferred before the HTTP server so the API stops triggering runs first.
	defer mgr.Stop()

	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(api.Deps{
			Scorer:       scorer,
			Calculator:   calc,
			Aggregator:   agg,
			Source:       store,
			Trips:        store,
			Vehicles:     store,
			Scores:       store,
			Rescore:      mgr,
			Health:       store,
			LookbackDays: cfg.LookbackDays,
		})
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
				cancel()
			}
		}()
		log.Printf("api listening on %s", cfg.HTTPAddr)
		defer shutdown(srv)
	}

	log.Printf("scorer started (lookback %dd, tz %s, rescore every %s)", cfg.LookbackDays, cfg.Location, cfg.RescoreInterval)

	// Block until context cancelled
	<-ctx.Done()
	log.Println("shutting down")
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
