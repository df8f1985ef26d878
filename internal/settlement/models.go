package settlement

import (
	"time"

	"gorm.io/gorm"
)

// Reservation record statuses
const (
	StatusReserved = "RESERVED"
	StatusReleased = "RELEASED"
)

// ReleaseRecord tracks the single reservation made for a trade's
// lifetime and whether it has been released. The trade ID acts as the
// idempotency key: a trade must never be released twice.
type ReleaseRecord struct {
	gorm.Model
	TradeID    string     `gorm:"uniqueIndex" json:"trade_id"`
	StrategyID string     `gorm:"index" json:"strategy_id"`
	Amount     float64    `json:"amount"`
	Profit     float64    `json:"profit"`
	Status     string     `json:"status"`  // RESERVED, RELEASED
	Outcome    string     `json:"outcome"` // closed, cancelled, rejected
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}
