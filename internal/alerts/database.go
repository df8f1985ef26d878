package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/ledger-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAlert(ctx context.Context, alert *types.BudgetAlert) error {
	return d.db.WithContext(ctx).Create(alert).Error
}

// HasRecent reports whether an alert with the same strategy, type and
// severity exists at or after the cutoff.
func (d *Database) HasRecent(ctx context.Context, strategyID, alertType, severity string, cutoff time.Time) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&types.BudgetAlert{}).
		Where("strategy_id = ? AND type = ? AND severity = ? AND timestamp >= ?",
			strategyID, alertType, severity, cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetAlerts returns alerts for a strategy, newest first, optionally
// including acknowledged ones.
func (d *Database) GetAlerts(ctx context.Context, strategyID string, includeAcknowledged bool) ([]types.BudgetAlert, error) {
	q := d.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("timestamp DESC")
	if !includeAcknowledged {
		q = q.Where("acknowledged = ?", false)
	}

	var out []types.BudgetAlert
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetAlert returns a single alert by ID, or nil if it does not exist.
func (d *Database) GetAlert(ctx context.Context, alertID string) (*types.BudgetAlert, error) {
	var alert types.BudgetAlert
	if err := d.db.WithContext(ctx).Where("alert_id = ?", alertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

func (d *Database) MarkAcknowledged(ctx context.Context, alertID string) error {
	return d.db.WithContext(ctx).
		Model(&types.BudgetAlert{}).
		Where("alert_id = ?", alertID).
		Update("acknowledged", true).Error
}
