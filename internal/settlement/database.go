package settlement

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRecord(ctx context.Context, record *ReleaseRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

// GetRecord returns the release record for a trade, or nil if the trade
// was never reserved through the coordinator.
func (d *Database) GetRecord(ctx context.Context, tradeID string) (*ReleaseRecord, error) {
	var record ReleaseRecord
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) UpdateRecord(ctx context.Context, record *ReleaseRecord) error {
	return d.db.WithContext(ctx).Save(record).Error
}
