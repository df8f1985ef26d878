package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Coordinator translates trade lifecycle transitions into ledger calls.
// Exactly one reservation corresponds to a trade's lifetime and exactly
// one release to its terminal transition; duplicate events are absorbed
// via per-trade release records.
type Coordinator struct {
	db     *Database
	ledger *budget.Service

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// released covers only trades whose ledger release succeeded but
	// whose record update did not, so the persisted record still says
	// RESERVED. Entries for persisted releases are never kept; the
	// record itself absorbs duplicates, which bounds this map to the
	// store's failure window.
	relMu    sync.Mutex
	released map[string]bool
}

func NewCoordinator(gormDB *gorm.DB, ledger *budget.Service) *Coordinator {
	return &Coordinator{
		db:       NewDatabase(gormDB),
		ledger:   ledger,
		locks:    make(map[string]*sync.Mutex),
		released: make(map[string]bool),
	}
}

// lockFor returns the mutex serializing lifecycle transitions for one
// trade. Transitions for different trades never contend.
func (c *Coordinator) lockFor(tradeID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	mu, ok := c.locks[tradeID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[tradeID] = mu
	}
	return mu
}

func (c *Coordinator) isReleased(tradeID string) bool {
	c.relMu.Lock()
	defer c.relMu.Unlock()
	return c.released[tradeID]
}

func (c *Coordinator) markUnsynced(tradeID string) {
	c.relMu.Lock()
	c.released[tradeID] = true
	c.relMu.Unlock()
}

// TradeCost returns the capital a trade ties up, preferring the price
// and quantity and falling back to the stored cost when either is
// missing or non-positive.
func TradeCost(trade *types.Trade) float64 {
	if trade.EntryPrice > 0 && trade.Quantity > 0 {
		return trade.EntryPrice * trade.Quantity
	}
	return trade.Cost
}

// ProfitFor computes the realized profit of a trade at the given exit
// price.
func ProfitFor(trade *types.Trade, exitPrice float64) float64 {
	if trade.Side == types.SideSell {
		return (trade.EntryPrice - exitPrice) * trade.Quantity
	}
	return (exitPrice - trade.EntryPrice) * trade.Quantity
}

// OnTradeOpened reserves capital for a newly created trade. Returns
// false when the strategy has insufficient available funds, in which
// case the caller must reject trade creation.
func (c *Coordinator) OnTradeOpened(ctx context.Context, trade *types.Trade) bool {
	logger := log.With().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Str("strategy_id", trade.StrategyID).
		Logger()

	cost := TradeCost(trade)
	if cost <= 0 {
		logger.Warn().Float64("cost", cost).Msg("refusing to reserve non-positive trade cost")
		return false
	}

	if !c.ledger.Reserve(ctx, trade.StrategyID, cost, trade.TradeID) {
		return false
	}

	record := &ReleaseRecord{
		TradeID:    trade.TradeID,
		StrategyID: trade.StrategyID,
		Amount:     cost,
		Status:     StatusReserved,
	}
	if err := c.db.CreateRecord(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("failed to persist reservation record")
	}

	logger.Info().Float64("cost", cost).Msg("reserved capital for trade")
	return true
}

// OnTradeClosed releases the trade's reservation with its realized
// profit or loss.
func (c *Coordinator) OnTradeClosed(ctx context.Context, trade *types.Trade, exitPrice float64) {
	c.release(ctx, trade, ProfitFor(trade, exitPrice), types.StatusClosed)
}

// OnTradeCancelled returns the reserved capital without touching total.
func (c *Coordinator) OnTradeCancelled(ctx context.Context, trade *types.Trade) {
	c.release(ctx, trade, 0, types.StatusCancelled)
}

// OnTradeRejected returns the reserved capital without touching total.
func (c *Coordinator) OnTradeRejected(ctx context.Context, trade *types.Trade) {
	c.release(ctx, trade, 0, types.StatusRejected)
}

// release applies the terminal transition for a trade exactly once. An
// unknown trade ID is a logged no-op rather than a balance grant; a
// redelivered event for an already-released trade changes nothing.
func (c *Coordinator) release(ctx context.Context, trade *types.Trade, profit float64, outcome string) {
	logger := log.With().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Str("strategy_id", trade.StrategyID).
		Str("outcome", outcome).
		Logger()

	mu := c.lockFor(trade.TradeID)
	mu.Lock()
	defer mu.Unlock()

	if c.isReleased(trade.TradeID) {
		logger.Debug().Msg("trade already released, skipping duplicate event")
		return
	}

	record, err := c.db.GetRecord(ctx, trade.TradeID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up release record")
		return
	}
	if record == nil {
		logger.Warn().Msg("release for unknown trade, ignoring")
		return
	}
	if record.Status == StatusReleased {
		logger.Debug().Msg("trade already released, skipping duplicate event")
		return
	}

	c.ledger.Release(ctx, trade.StrategyID, record.Amount, profit, trade.TradeID, outcome)

	now := time.Now()
	record.Status = StatusReleased
	record.Outcome = outcome
	record.Profit = profit
	record.ReleasedAt = &now
	if err := c.db.UpdateRecord(ctx, record); err != nil {
		// The ledger has moved but the record still says RESERVED;
		// remember the trade so a redelivery cannot double-release.
		c.markUnsynced(trade.TradeID)
		logger.Warn().Err(err).Msg("failed to persist release record")
	}

	logger.Info().
		Float64("amount", record.Amount).
		Float64("profit", profit).
		Msg("settled trade against ledger")
}
