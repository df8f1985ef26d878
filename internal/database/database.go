package database

import (
	"fmt"

	"github.com/ksred/ledger-api/internal/database/migrations"
	"github.com/ksred/ledger-api/internal/history"
	"github.com/ksred/ledger-api/internal/settlement"
	"github.com/ksred/ledger-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddTradeCosts(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.StrategyBudget{},
		&types.BudgetAlert{},
		&settlement.ReleaseRecord{},
		&history.BudgetChange{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
