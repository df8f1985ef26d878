package history

import (
	"context"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateChange(ctx context.Context, change *BudgetChange) error {
	return d.db.WithContext(ctx).Create(change).Error
}

// GetChanges returns up to limit history entries for a strategy,
// newest first.
func (d *Database) GetChanges(ctx context.Context, strategyID string, limit int) ([]BudgetChange, error) {
	var out []BudgetChange
	err := d.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
