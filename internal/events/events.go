package events

import (
	"time"

	"github.com/ksred/ledger-api/internal/types"
)

// Kind identifies one of the closed set of event types carried by the bus.
type Kind string

const (
	KindBudgetUpdated     Kind = "budget:updated"
	KindBudgetReconciled  Kind = "budget:reconciled"
	KindBudgetAlert       Kind = "budget:alert"
	KindAlertAcknowledged Kind = "budget:alertAcknowledged"
	KindTradeClosed       Kind = "trade:closed"
	KindTradeSetChanged   Kind = "trade:setChanged"
	KindStoreWriteFailed  Kind = "store:writeFailed"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
}

// BudgetUpdated is published after every successful ledger mutation.
// Change carries the mutation kind and the signed amount applied, so
// history can be recorded without re-deriving the cause from deltas.
type BudgetUpdated struct {
	StrategyID   string               `json:"strategy_id"`
	Budget       types.StrategyBudget `json:"budget"`
	Change       string               `json:"change_type"`
	ChangeAmount float64              `json:"change_amount"`
	Profit       float64              `json:"profit,omitempty"`
	TradeID      string               `json:"trade_id,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

func (BudgetUpdated) Kind() Kind { return KindBudgetUpdated }

// BudgetReconciled records a drift correction applied by the
// reconciliation monitor.
type BudgetReconciled struct {
	StrategyID        string    `json:"strategy_id"`
	PreviousAllocated float64   `json:"previous_allocated"`
	Allocated         float64   `json:"allocated"`
	Drift             float64   `json:"drift"`
	Timestamp         time.Time `json:"timestamp"`
}

func (BudgetReconciled) Kind() Kind { return KindBudgetReconciled }

// BudgetAlertRaised is published when the alert monitor stores a new alert.
type BudgetAlertRaised struct {
	Alert types.BudgetAlert `json:"alert"`
}

func (BudgetAlertRaised) Kind() Kind { return KindBudgetAlert }

// AlertAcknowledged is published when an alert is acknowledged.
type AlertAcknowledged struct {
	AlertID string `json:"alert_id"`
}

func (AlertAcknowledged) Kind() Kind { return KindAlertAcknowledged }

// TradeClosed is published when a trade reaches the closed status.
type TradeClosed struct {
	Trade types.Trade `json:"trade"`
	PnL   float64     `json:"pnl"`
}

func (TradeClosed) Kind() Kind { return KindTradeClosed }

// TradeSetChanged signals that the set of active trades for a strategy
// changed, prompting a reconciliation pass.
type TradeSetChanged struct {
	StrategyID string `json:"strategy_id"`
}

func (TradeSetChanged) Kind() Kind { return KindTradeSetChanged }

// StoreWriteFailed is published when a ledger store write has exhausted
// its retries and the in-memory state is running ahead of the store.
type StoreWriteFailed struct {
	StrategyID  string `json:"strategy_id"`
	Consecutive int    `json:"consecutive"`
}

func (StoreWriteFailed) Kind() Kind { return KindStoreWriteFailed }
