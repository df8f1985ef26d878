package history

import (
	"time"

	"gorm.io/gorm"
)

// BudgetChange is one entry in a strategy's budget history: the budget
// snapshot after the change, the kind of change and the signed amount
// applied. ChangeAmount is negative for allocations and positive for
// releases.
type BudgetChange struct {
	gorm.Model   `json:"-"`
	StrategyID   string    `gorm:"index" json:"strategy_id"`
	ChangeType   string    `json:"change_type"` // initial, trade_allocation, trade_release, adjustment, profit
	ChangeAmount float64   `json:"change_amount"`
	Total        float64   `json:"total"`
	Allocated    float64   `json:"allocated"`
	Available    float64   `json:"available"`
	Profit       float64   `json:"profit"`
	TradeID      string    `json:"trade_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
