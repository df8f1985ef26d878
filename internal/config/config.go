package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime settings for the ledger process. Values are
// read from the environment, with a .env file loaded first if present.
type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string

	// Budget defaults
	DemoMode       bool
	DefaultBudget  float64 // initial budget in live mode
	DemoBudget     float64 // initial budget in demo mode
	MaxPositionPct float64 // fraction of total allowed per trade

	// Alerting
	LowFundsRatio      float64
	CriticalFundsRatio float64
	PnLAlertThreshold  float64
	AlertDedupWindow   time.Duration
	AlertSweepInterval time.Duration

	// Reconciliation
	ReconcileInterval  time.Duration
	ReconcileThrottle  time.Duration
	ReconcileTolerance float64

	// Ledger store writes
	StoreTimeout      time.Duration
	StoreRetries      int
	StoreRetryBackoff time.Duration
}

// Load builds the configuration from the environment. Missing values
// fall back to defaults suitable for local development.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "ledger.db"),
		JWTSecret:    getEnv("JWT_SECRET", "ledger-secret-key"),

		DemoMode:       getBool("DEMO_MODE", false),
		DefaultBudget:  getFloat("DEFAULT_BUDGET", 1000),
		DemoBudget:     getFloat("DEMO_BUDGET", 50000),
		MaxPositionPct: getFloat("MAX_POSITION_PCT", 0.10),

		LowFundsRatio:      getFloat("LOW_FUNDS_RATIO", 0.20),
		CriticalFundsRatio: getFloat("CRITICAL_FUNDS_RATIO", 0.10),
		PnLAlertThreshold:  getFloat("PNL_ALERT_THRESHOLD", 100),
		AlertDedupWindow:   getDuration("ALERT_DEDUP_WINDOW", time.Hour),
		AlertSweepInterval: getDuration("ALERT_SWEEP_INTERVAL", 5*time.Minute),

		ReconcileInterval:  getDuration("RECONCILE_INTERVAL", 10*time.Second),
		ReconcileThrottle:  getDuration("RECONCILE_THROTTLE", 5*time.Second),
		ReconcileTolerance: getFloat("RECONCILE_TOLERANCE", 1.0),

		StoreTimeout:      getDuration("STORE_TIMEOUT", 5*time.Second),
		StoreRetries:      getInt("STORE_RETRIES", 3),
		StoreRetryBackoff: getDuration("STORE_RETRY_BACKOFF", 250*time.Millisecond),
	}
}

// InitialBudget returns the default budget for a newly tracked
// strategy, depending on demo mode.
func (c *Config) InitialBudget() float64 {
	if c.DemoMode {
		return c.DemoBudget
	}
	return c.DefaultBudget
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float in environment, using default")
		return fallback
	}
	return f
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment, using default")
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool in environment, using default")
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment, using default")
		return fallback
	}
	return d
}
