package events

import (
	"testing"
	"time"

	"github.com/ksred/ledger-api/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeReceivesMatchingKind(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(KindBudgetUpdated, func(e Event) {
		got = append(got, e)
	})

	bus.Publish(BudgetUpdated{StrategyID: "s1", Timestamp: time.Now()})
	bus.Publish(TradeSetChanged{StrategyID: "s1"})

	assert.Len(t, got, 1)
	assert.Equal(t, KindBudgetUpdated, got[0].Kind())
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	bus := NewBus()

	assert.NotPanics(t, func() {
		bus.Publish(AlertAcknowledged{AlertID: "a1"})
	})
}

func TestStrategyScopedSubscription(t *testing.T) {
	bus := NewBus()

	var s1Count, s2Count int
	bus.SubscribeBudget("s1", func(e Event) { s1Count++ })
	bus.SubscribeBudget("s2", func(e Event) { s2Count++ })

	bus.Publish(BudgetUpdated{StrategyID: "s1", Budget: types.StrategyBudget{StrategyID: "s1"}})
	bus.Publish(BudgetUpdated{StrategyID: "s1", Budget: types.StrategyBudget{StrategyID: "s1"}})
	bus.Publish(BudgetUpdated{StrategyID: "s2", Budget: types.StrategyBudget{StrategyID: "s2"}})

	assert.Equal(t, 2, s1Count)
	assert.Equal(t, 1, s2Count)
}

func TestKindWideAndScopedBothFire(t *testing.T) {
	bus := NewBus()

	var wide, scoped int
	bus.Subscribe(KindBudgetUpdated, func(e Event) { wide++ })
	bus.SubscribeBudget("s1", func(e Event) { scoped++ })

	bus.Publish(BudgetUpdated{StrategyID: "s1"})

	assert.Equal(t, 1, wide)
	assert.Equal(t, 1, scoped)
}
