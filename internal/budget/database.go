package budget

import (
	"context"
	"errors"

	"github.com/ksred/ledger-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Get returns the budget row for a strategy, or nil if none exists.
func (d *Database) Get(ctx context.Context, strategyID string) (*types.StrategyBudget, error) {
	var b types.StrategyBudget
	if err := d.db.WithContext(ctx).Where("strategy_id = ?", strategyID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// GetAll returns every budget row.
func (d *Database) GetAll(ctx context.Context) ([]types.StrategyBudget, error) {
	var budgets []types.StrategyBudget
	if err := d.db.WithContext(ctx).Find(&budgets).Error; err != nil {
		return nil, err
	}
	return budgets, nil
}

// Upsert writes the budget row keyed by strategy ID.
func (d *Database) Upsert(ctx context.Context, b *types.StrategyBudget) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_id"}},
		UpdateAll: true,
	}).Create(b).Error
}

// Delete removes the budget row for a strategy. Deleting a missing row
// is not an error.
func (d *Database) Delete(ctx context.Context, strategyID string) error {
	return d.db.WithContext(ctx).Where("strategy_id = ?", strategyID).Delete(&types.StrategyBudget{}).Error
}
