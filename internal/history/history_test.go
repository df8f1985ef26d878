package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&BudgetChange{}))

	bus := events.NewBus()
	return NewService(db, bus), bus
}

func budgetUpdate(change string, amount, profit float64, tradeID string) events.BudgetUpdated {
	return events.BudgetUpdated{
		StrategyID:   "s1",
		Budget:       types.StrategyBudget{StrategyID: "s1", Total: 1000, Allocated: 250, Available: 750},
		Change:       change,
		ChangeAmount: amount,
		Profit:       profit,
		TradeID:      tradeID,
		Timestamp:    time.Now(),
	}
}

func TestRecordsReservationFromBusEvent(t *testing.T) {
	s, bus := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	bus.Publish(budgetUpdate(types.ChangeTradeAllocation, -250, 0, "t1"))

	var changes []BudgetChange
	require.Eventually(t, func() bool {
		var err error
		changes, err = s.GetHistory(ctx, "s1", 10)
		return err == nil && len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.ChangeTradeAllocation, changes[0].ChangeType)
	assert.Equal(t, -250.0, changes[0].ChangeAmount)
	assert.Equal(t, "t1", changes[0].TradeID)
	assert.Equal(t, 1000.0, changes[0].Total)
	assert.Equal(t, 250.0, changes[0].Allocated)
}

func TestProfitableReleaseRecordsProfitEntry(t *testing.T) {
	s, bus := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	bus.Publish(budgetUpdate(types.ChangeTradeRelease, 250, 30, "t1"))

	var changes []BudgetChange
	require.Eventually(t, func() bool {
		var err error
		changes, err = s.GetHistory(ctx, "s1", 10)
		return err == nil && len(changes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Newest first: the profit line follows the release.
	assert.Equal(t, types.ChangeProfit, changes[0].ChangeType)
	assert.Equal(t, 30.0, changes[0].ChangeAmount)
	assert.Equal(t, types.ChangeTradeRelease, changes[1].ChangeType)
	assert.Equal(t, 250.0, changes[1].ChangeAmount)
}

func TestBreakEvenReleaseRecordsSingleEntry(t *testing.T) {
	s, bus := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	bus.Publish(budgetUpdate(types.ChangeTradeRelease, 250, 0, "t1"))

	require.Eventually(t, func() bool {
		changes, err := s.GetHistory(ctx, "s1", 10)
		return err == nil && len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetHistoryHonorsLimitAndOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.store(ctx, BudgetChange{
			StrategyID:   "s1",
			ChangeType:   types.ChangeTradeAllocation,
			ChangeAmount: float64(-100 * (i + 1)),
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
	}

	changes, err := s.GetHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, -500.0, changes[0].ChangeAmount)
	assert.Equal(t, -400.0, changes[1].ChangeAmount)
	assert.Equal(t, -300.0, changes[2].ChangeAmount)
}

func TestRecentTailIsBounded(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < maxRecentPerStrategy+20; i++ {
		s.store(ctx, BudgetChange{
			StrategyID: "s1",
			ChangeType: types.ChangeAdjustment,
			Timestamp:  time.Now(),
		})
	}

	s.mu.RLock()
	n := len(s.recent["s1"])
	s.mu.RUnlock()
	assert.Equal(t, maxRecentPerStrategy, n)
}

func TestHistoryIsPerStrategy(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.store(ctx, BudgetChange{StrategyID: "s1", ChangeType: types.ChangeInitial, Timestamp: time.Now()})
	s.store(ctx, BudgetChange{StrategyID: "s2", ChangeType: types.ChangeInitial, Timestamp: time.Now()})

	changes, err := s.GetHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "s1", changes[0].StrategyID)
}
