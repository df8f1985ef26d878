package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000.0, cfg.DefaultBudget)
	assert.Equal(t, 0.10, cfg.MaxPositionPct)
	assert.Equal(t, 0.20, cfg.LowFundsRatio)
	assert.Equal(t, 0.10, cfg.CriticalFundsRatio)
	assert.Equal(t, time.Hour, cfg.AlertDedupWindow)
	assert.Equal(t, 1.0, cfg.ReconcileTolerance)
	assert.Equal(t, 3, cfg.StoreRetries)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("DEFAULT_BUDGET", "2500.50")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("STORE_RETRIES", "5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.DemoMode)
	assert.Equal(t, 2500.50, cfg.DefaultBudget)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 5, cfg.StoreRetries)
}

func TestInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("DEFAULT_BUDGET", "not-a-number")
	t.Setenv("STORE_RETRIES", "many")
	t.Setenv("RECONCILE_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 1000.0, cfg.DefaultBudget)
	assert.Equal(t, 3, cfg.StoreRetries)
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
}

func TestInitialBudgetFollowsDemoMode(t *testing.T) {
	cfg := &Config{DefaultBudget: 1000, DemoBudget: 50000}

	assert.Equal(t, 1000.0, cfg.InitialBudget())

	cfg.DemoMode = true
	assert.Equal(t, 50000.0, cfg.InitialBudget())
}
