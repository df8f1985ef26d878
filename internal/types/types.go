package types

import (
	"time"

	"gorm.io/gorm"
)

// Trade sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade lifecycle statuses
const (
	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusExecuted  = "executed"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// ActiveStatuses are the statuses that count towards a strategy's
// allocated capital.
var ActiveStatuses = []string{StatusPending, StatusOpen, StatusExecuted}

type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string    `gorm:"uniqueIndex" json:"trade_id"`
	StrategyID string    `gorm:"index" json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // buy or sell
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price,omitempty"`
	Cost       float64   `json:"cost"` // capital reserved when the trade opened
	Profit     float64   `json:"profit"`
	Status     string    `json:"status"` // pending, open, executed, closed, cancelled, rejected
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsActive reports whether the trade still ties up reserved capital.
func (t *Trade) IsActive() bool {
	switch t.Status {
	case StatusPending, StatusOpen, StatusExecuted:
		return true
	}
	return false
}

// IsTerminal reports whether the trade has reached a final status.
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusClosed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

type StrategyBudget struct {
	gorm.Model      `json:"-"`
	StrategyID      string    `gorm:"uniqueIndex" json:"strategy_id"`
	Total           float64   `json:"total"`
	Allocated       float64   `json:"allocated"`
	Available       float64   `json:"available"`
	MaxPositionSize float64   `json:"max_position_size"`
	Profit          float64   `json:"profit"`
	LastUpdated     time.Time `json:"last_updated"`
}

// IsZero reports whether the budget is in the deactivated zero-state,
// which bypasses the normal positivity checks.
func (b *StrategyBudget) IsZero() bool {
	return b.Total == 0 && b.Allocated == 0 && b.Available == 0 && b.MaxPositionSize == 0
}

// Budget change types recorded in the history log
const (
	ChangeInitial         = "initial"
	ChangeTradeAllocation = "trade_allocation"
	ChangeTradeRelease    = "trade_release"
	ChangeAdjustment      = "adjustment"
	ChangeProfit          = "profit"
)

// Alert types
const (
	AlertLowFunds   = "low_funds"
	AlertValidation = "validation"
	AlertAllocation = "allocation"
	AlertProfit     = "profit"
	AlertLoss       = "loss"
)

// Alert severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type BudgetAlert struct {
	gorm.Model   `json:"-"`
	AlertID      string    `gorm:"uniqueIndex" json:"alert_id"`
	StrategyID   string    `gorm:"index" json:"strategy_id"`
	Type         string    `json:"type"`     // low_funds, validation, allocation, profit, loss
	Severity     string    `json:"severity"` // info, warning, error
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}
