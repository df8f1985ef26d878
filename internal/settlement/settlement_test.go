package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *budget.Service) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settlement.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.StrategyBudget{}, &ReleaseRecord{}))

	// Single connection keeps concurrent test writes from tripping
	// sqlite's file lock.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{
		DefaultBudget:     1000,
		MaxPositionPct:    0.10,
		StoreTimeout:      time.Second,
		StoreRetries:      2,
		StoreRetryBackoff: time.Millisecond,
	}
	ledger := budget.NewService(db, events.NewBus(), cfg)
	return NewCoordinator(db, ledger), ledger
}

func openTrade(t *testing.T, c *Coordinator, tradeID string, qty, price float64) *types.Trade {
	t.Helper()
	trade := &types.Trade{
		TradeID:    tradeID,
		StrategyID: "s1",
		Symbol:     "BTC/USD",
		Side:       types.SideBuy,
		Quantity:   qty,
		EntryPrice: price,
		Status:     types.StatusOpen,
	}
	require.True(t, c.OnTradeOpened(context.Background(), trade))
	return trade
}

func TestOpenReservesTradeCost(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	openTrade(t, c, "t1", 5, 50)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, b.Allocated)
	assert.Equal(t, 750.0, b.Available)
}

func TestOpenFailsOnInsufficientFunds(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 100)
	require.NoError(t, err)

	trade := &types.Trade{
		TradeID:    "t1",
		StrategyID: "s1",
		Side:       types.SideBuy,
		Quantity:   5,
		EntryPrice: 50,
	}
	assert.False(t, c.OnTradeOpened(ctx, trade))

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Allocated)
}

func TestOpenRefusesNonPositiveCost(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := &types.Trade{TradeID: "t1", StrategyID: "s1", Side: types.SideBuy}
	assert.False(t, c.OnTradeOpened(ctx, trade))
}

func TestCloseSettlesProfit(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := openTrade(t, c, "t1", 5, 50)
	c.OnTradeClosed(ctx, trade, 56) // +6 per unit over 5 units

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Allocated)
	assert.Equal(t, 1030.0, b.Available)
	assert.Equal(t, 1030.0, b.Total)
	assert.Equal(t, 30.0, b.Profit)
}

func TestDoubleCloseIsIdempotent(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := openTrade(t, c, "t1", 5, 50)
	c.OnTradeClosed(ctx, trade, 56)
	c.OnTradeClosed(ctx, trade, 56)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1030.0, b.Total)
	assert.Equal(t, 30.0, b.Profit)
}

func TestPersistedRecordAbsorbsDuplicatesAlone(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := openTrade(t, c, "t1", 5, 50)
	c.OnTradeClosed(ctx, trade, 56)

	// A persisted release keeps no in-memory marker; the record itself
	// must absorb the duplicate even after a process restart.
	c.relMu.Lock()
	empty := len(c.released) == 0
	c.relMu.Unlock()
	assert.True(t, empty)

	c.OnTradeClosed(ctx, trade, 56)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1030.0, b.Total)
}

func TestConcurrentSettlementsAcrossStrategies(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	const strategies = 8
	for i := 0; i < strategies; i++ {
		_, err := ledger.Initialize(ctx, fmt.Sprintf("s%d", i), 1000)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < strategies; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			strategyID := fmt.Sprintf("s%d", i)
			trade := &types.Trade{
				TradeID:    fmt.Sprintf("t%d", i),
				StrategyID: strategyID,
				Symbol:     "BTC/USD",
				Side:       types.SideBuy,
				Quantity:   5,
				EntryPrice: 50,
				Status:     types.StatusOpen,
			}
			if !c.OnTradeOpened(ctx, trade) {
				t.Errorf("reservation failed for %s", strategyID)
				return
			}
			c.OnTradeClosed(ctx, trade, 56)
		}(i)
	}
	wg.Wait()

	for i := 0; i < strategies; i++ {
		b, err := ledger.Get(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.Allocated)
		assert.Equal(t, 1030.0, b.Total)
		assert.Equal(t, 30.0, b.Profit)
	}
}

func TestCancelRestoresFunds(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := openTrade(t, c, "t1", 5, 50)
	c.OnTradeCancelled(ctx, trade)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Allocated)
	assert.Equal(t, 1000.0, b.Available)
	assert.Equal(t, 1000.0, b.Total)
	assert.Equal(t, 0.0, b.Profit)
}

func TestReleaseUnknownTradeIsNoOp(t *testing.T) {
	c, ledger := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ledger.Initialize(ctx, "s1", 1000)
	require.NoError(t, err)

	trade := &types.Trade{TradeID: "never-opened", StrategyID: "s1", Quantity: 5, EntryPrice: 50}
	c.OnTradeClosed(ctx, trade, 60)

	b, err := ledger.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, b.Available)
	assert.Equal(t, 1000.0, b.Total)
}

func TestTradeCostFallsBackToStoredCost(t *testing.T) {
	assert.Equal(t, 250.0, TradeCost(&types.Trade{Quantity: 5, EntryPrice: 50, Cost: 99}))
	assert.Equal(t, 99.0, TradeCost(&types.Trade{Quantity: 0, EntryPrice: 50, Cost: 99}))
	assert.Equal(t, 99.0, TradeCost(&types.Trade{Quantity: 5, EntryPrice: 0, Cost: 99}))
}

func TestProfitForBuyAndSell(t *testing.T) {
	buy := &types.Trade{Side: types.SideBuy, Quantity: 10, EntryPrice: 100}
	sell := &types.Trade{Side: types.SideSell, Quantity: 10, EntryPrice: 100}

	assert.Equal(t, 50.0, ProfitFor(buy, 105))
	assert.Equal(t, -50.0, ProfitFor(buy, 95))
	assert.Equal(t, 50.0, ProfitFor(sell, 95))
	assert.Equal(t, -50.0, ProfitFor(sell, 105))
}
