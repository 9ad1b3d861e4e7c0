package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"arrival-tracker/internal/transit"
)

const (
	SourceHTTP   = "http"
	SourceGTFSRT = "gtfsrt"
)

type Config struct {
	DatabaseURL string `validate:"required"`

	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`

	PredictionSource      string `validate:"oneof=http gtfsrt"`
	PredictionURL         string `validate:"required,url"`
	PredictionAPIKey      string
	PredictionFormat      string `validate:"oneof=json xml"`
	GTFSRTCacheTTL        time.Duration
	PredictionConcurrency int `validate:"gte=0"`

	// Seed values for the scheduler_settings row.
	DefaultSettings transit.SchedulerSettings

	FallbackRetry time.Duration `validate:"gt=0"`
	PendingStale  time.Duration `validate:"gt=0"`

	HTTPAddr     string
	LogLevel     string `validate:"oneof=trace debug info warn warning error"`
	LogFormat    string `validate:"oneof=console json"`
	OTLPEndpoint string
	Location     *time.Location `validate:"required"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

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

	// Empty NATS_URL disables arrival event publishing.
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "arrivals")

	cfg.PredictionSource = strings.ToLower(getenvDefault("PREDICTION_SOURCE", SourceHTTP))
	cfg.PredictionURL = os.Getenv("PREDICTION_URL")
	cfg.PredictionAPIKey = os.Getenv("PREDICTION_API_KEY")
	cfg.PredictionFormat = strings.ToLower(getenvDefault("PREDICTION_FORMAT", "json"))

	var err error
	if cfg.GTFSRTCacheTTL, err = secondsEnv("GTFSRT_CACHE_TTL_SEC", 20*time.Second, true); err != nil {
		return nil, err
	}
	if cfg.PredictionConcurrency, err = intEnv("PREDICTION_CONCURRENCY", 0); err != nil {
		return nil, err
	}

	cfg.DefaultSettings.Enabled = true
	if cfg.DefaultSettings.IntervalMinutes, err = intEnv("DEFAULT_INTERVAL_MIN", 15); err != nil {
		return nil, err
	}
	if cfg.DefaultSettings.StartHour, err = intEnv("DEFAULT_START_HOUR", 5); err != nil {
		return nil, err
	}
	if cfg.DefaultSettings.EndHour, err = intEnv("DEFAULT_END_HOUR", 24); err != nil {
		return nil, err
	}

	if cfg.FallbackRetry, err = secondsEnv("FALLBACK_RETRY_SEC", 5*time.Minute, false); err != nil {
		return nil, err
	}
	if v := os.Getenv("PENDING_STALE_MIN"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("invalid PENDING_STALE_MIN: %q", v)
		}
		cfg.PendingStale = time.Duration(min) * time.Minute
	} else {
		cfg.PendingStale = 15 * time.Minute
	}

	// Status/control and metrics listen address (e.g., ":9102"). Empty disables the server.
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "console"))
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the loaded configuration, including the seed settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := ValidateSettings(c.DefaultSettings); err != nil {
		return fmt.Errorf("default settings: %w", err)
	}
	return nil
}

// ValidateSettings checks a scheduler settings row.
func ValidateSettings(s transit.SchedulerSettings) error {
	return validate.Struct(s)
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func secondsEnv(k string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || sec < 0 || (sec == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
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
