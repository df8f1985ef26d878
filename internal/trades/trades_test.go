package trades

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/settlement"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *budget.Service, *events.Bus) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trades.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Trade{},
		&types.StrategyBudget{},
		&settlement.ReleaseRecord{},
	))

	cfg := &config.Config{
		DefaultBudget:     1000,
		MaxPositionPct:    0.10,
		StoreTimeout:      time.Second,
		StoreRetries:      2,
		StoreRetryBackoff: time.Millisecond,
	}
	bus := events.NewBus()
	ledger := budget.NewService(db, bus, cfg)
	coordinator := settlement.NewCoordinator(db, ledger)
	return NewService(db, coordinator, bus), ledger, bus
}

func TestCreateTradeReservesBudget(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1",
		Symbol:     "BTC/USD",
		Side:       types.SideBuy,
		Quantity:   5,
		EntryPrice: 50,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, trade.TradeID)
	assert.Equal(t, types.StatusOpen, trade.Status)
	assert.Equal(t, 250.0, trade.Cost)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, b.Allocated)
	assert.Equal(t, 750.0, b.Available)
}

func TestCreateTradeValidation(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  CreateTradeRequest
	}{
		{"bad side", CreateTradeRequest{StrategyID: "s1", Symbol: "BTC/USD", Side: "hold", Quantity: 1, EntryPrice: 10}},
		{"zero quantity", CreateTradeRequest{StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 0, EntryPrice: 10}},
		{"zero price", CreateTradeRequest{StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 1, EntryPrice: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateTrade(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidTrade)
		})
	}
}

func TestCreateTradeInsufficientFunds(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 100)
	require.NoError(t, err)

	_, err = s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1",
		Symbol:     "BTC/USD",
		Side:       types.SideBuy,
		Quantity:   5,
		EntryPrice: 50,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCloseTradeSettlesAndEmits(t *testing.T) {
	s, ledger, bus := newTestService(t)
	ctx := context.Background()

	var closed []events.TradeClosed
	bus.Subscribe(events.KindTradeClosed, func(e events.Event) {
		closed = append(closed, e.(events.TradeClosed))
	})

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	closedTrade, err := s.CloseTrade(ctx, trade.TradeID, 56)
	require.NoError(t, err)

	assert.Equal(t, types.StatusClosed, closedTrade.Status)
	assert.Equal(t, 56.0, closedTrade.ExitPrice)
	assert.Equal(t, 30.0, closedTrade.Profit)

	require.Len(t, closed, 1)
	assert.Equal(t, 30.0, closed[0].PnL)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1030.0, b.Total)
	assert.Equal(t, 30.0, b.Profit)
}

// Full lifecycle: a profitable close grows the budget and the freed
// capital is immediately reservable, while the original headroom is not.
func TestBudgetLifecycleAcrossTrades(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	first, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	_, err = s.CloseTrade(ctx, first.TradeID, 56)
	require.NoError(t, err)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Allocated)
	assert.Equal(t, 1030.0, b.Available)
	assert.Equal(t, 1030.0, b.Total)
	assert.Equal(t, 30.0, b.Profit)

	// 900 fits into the grown available balance
	_, err = s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "ETH/USD", Side: types.SideBuy, Quantity: 9, EntryPrice: 100,
	})
	require.NoError(t, err)

	// but a further 200 does not
	_, err = s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "SOL/USD", Side: types.SideBuy, Quantity: 2, EntryPrice: 100,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	b, err = ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 900.0, b.Allocated)
	assert.Equal(t, 130.0, b.Available)
}

func TestCloseTerminalTradeIsNoOp(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	_, err = s.CloseTrade(ctx, trade.TradeID, 56)
	require.NoError(t, err)

	again, err := s.CloseTrade(ctx, trade.TradeID, 99)
	require.NoError(t, err)
	assert.Equal(t, 56.0, again.ExitPrice)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1030.0, b.Total)
}

func TestCancelTradeRestoresBudget(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	cancelled, err := s.CancelTrade(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, b.Available)
	assert.Equal(t, 1000.0, b.Total)
	assert.Equal(t, 0.0, b.Profit)
}

func TestCloseUnknownTradeReturnsNotFound(t *testing.T) {
	s, _, _ := newTestService(t)

	_, err := s.CloseTrade(context.Background(), "TRD_missing", 50)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestMarkExecutedRejectsTerminalTrade(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	executed, err := s.MarkExecuted(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, executed.Status)

	_, err = s.CancelTrade(ctx, trade.TradeID)
	require.NoError(t, err)

	_, err = s.MarkExecuted(ctx, trade.TradeID)
	assert.ErrorIs(t, err, ErrInvalidTrade)
}

func TestGetActiveTradesFiltersTerminal(t *testing.T) {
	s, ledger, _ := newTestService(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 5000)
	require.NoError(t, err)

	open, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "BTC/USD", Side: types.SideBuy, Quantity: 5, EntryPrice: 50,
	})
	require.NoError(t, err)

	toClose, err := s.CreateTrade(ctx, CreateTradeRequest{
		StrategyID: "s1", Symbol: "ETH/USD", Side: types.SideSell, Quantity: 2, EntryPrice: 100,
	})
	require.NoError(t, err)
	_, err = s.CloseTrade(ctx, toClose.TradeID, 95)
	require.NoError(t, err)

	active, err := s.GetActiveTrades(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.TradeID, active[0].TradeID)
}
