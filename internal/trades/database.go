package trades

import (
	"context"
	"errors"

	"github.com/ksred/ledger-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTrade(ctx context.Context, trade *types.Trade) error {
	return d.db.WithContext(ctx).Create(trade).Error
}

func (d *Database) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) UpdateTrade(ctx context.Context, trade *types.Trade) error {
	return d.db.WithContext(ctx).Save(trade).Error
}

// GetTradesByStrategy returns all trades for a strategy, newest first.
func (d *Database) GetTradesByStrategy(ctx context.Context, strategyID string) ([]types.Trade, error) {
	var out []types.Trade
	err := d.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetActiveTrades returns the trades currently tying up reserved
// capital for a strategy.
func (d *Database) GetActiveTrades(ctx context.Context, strategyID string) ([]types.Trade, error) {
	var out []types.Trade
	err := d.db.WithContext(ctx).
		Where("strategy_id = ? AND status IN ?", strategyID, types.ActiveStatuses).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
