package migrations

import (
	"github.com/ksred/ledger-api/internal/types"
	"gorm.io/gorm"
)

// AddTradeCosts creates the trades table and backfills the cost column
// for rows written before reservation cost was captured. The column is
// the reconciliation fallback when price or quantity are missing.
func AddTradeCosts(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	return db.Exec(`
		UPDATE trades
		SET cost = ROUND(entry_price * quantity, 2)
		WHERE cost = 0 AND entry_price > 0 AND quantity > 0
	`).Error
}
