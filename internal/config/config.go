package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	RedisURL          string
	VehicleCacheTTL   time.Duration
	NHTSABaseURL      string
	NHTSATimeout      time.Duration
	NHTSARetries      int
	LookbackDays      int
	RescoreInterval   time.Duration
	RescoreWorkers    int
	HTTPAddr          string
	MetricsAddr       string
	Location          *time.Location
	BasePremium       float64
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "scores")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Empty disables the vehicle rating cache.
	cfg.RedisURL = os.Getenv("REDIS_URL")

	hours, err := positiveInt("VEHICLE_CACHE_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.VehicleCacheTTL = time.Duration(hours) * time.Hour

	cfg.NHTSABaseURL = getenvDefault("NHTSA_BASE_URL", "https://api.nhtsa.gov/SafetyRatings")
	sec, err := positiveInt("NHTSA_TIMEOUT_SEC", 10)
	if err != nil {
		return nil, err
	}
	cfg.NHTSATimeout = time.Duration(sec) * time.Second
	if v := os.Getenv("NHTSA_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid NHTSA_RETRIES: %q", v)
		}
		cfg.NHTSARetries = n
	} else {
		cfg.NHTSARetries = 2
	}

	if cfg.LookbackDays, err = positiveInt("LOOKBACK_DAYS", 30); err != nil {
		return nil, err
	}

	// Batch re-scoring interval (seconds). 0 disables the refresher.
	if v := os.Getenv("RESCORE_INTERVAL_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RESCORE_INTERVAL_SEC: %q", v)
		}
		cfg.RescoreInterval = time.Duration(n) * time.Second
	} else {
		cfg.RescoreInterval = time.Hour
	}
	if cfg.RescoreWorkers, err = positiveInt("RESCORE_WORKERS", 4); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Reference time zone for hour-of-day buckets. TZ is left to the runtime;
	// its libc forms (":/etc/localtime") are not location names.
	tzName := os.Getenv("SCORING_TZ")
	if tzName == "" {
		cfg.Location = time.UTC
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid SCORING_TZ: %v", err)
		}
		cfg.Location = loc
	}

	if v := os.Getenv("BASE_PREMIUM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid BASE_PREMIUM: %q", v)
		}
		cfg.BasePremium = f
	} else {
		cfg.BasePremium = 120
	}

	return cfg, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
