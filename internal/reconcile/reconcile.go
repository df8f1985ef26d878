package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TradeSource provides the live set of active trades for a strategy.
type TradeSource interface {
	GetActiveTrades(ctx context.Context, strategyID string) ([]types.Trade, error)
}

// Monitor detects and corrects drift between the ledger's allocated
// figure and the summed cost of the strategy's active trades. It runs
// on a wall-clock ticker and reacts, debounced and rate-limited, to
// trade-set changes published on the bus.
type Monitor struct {
	ledger   *budget.Service
	trades   TradeSource
	bus      *events.Bus
	cfg      *config.Config
	debounce time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	runCtx   context.Context // set by Start; bounds debounced callbacks
}

func NewMonitor(ledger *budget.Service, trades TradeSource, bus *events.Bus, cfg *config.Config) *Monitor {
	m := &Monitor{
		ledger:   ledger,
		trades:   trades,
		bus:      bus,
		cfg:      cfg,
		debounce: 500 * time.Millisecond,
		limiters: make(map[string]*rate.Limiter),
	}
	bus.Subscribe(events.KindTradeSetChanged, m.onTradeSetChanged)
	return m
}

// Start begins the periodic reconciliation loop. Debounced callbacks
// scheduled from bus events run under this context and stop firing
// once it is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	logger := log.With().Str("component", "reconcile_monitor").Logger()
	logger.Info().Dur("interval", m.cfg.ReconcileInterval).Msg("starting reconciliation monitor")

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation monitor")
			return
		case <-ticker.C:
			m.reconcileAll(ctx)
		}
	}
}

func (m *Monitor) onTradeSetChanged(e events.Event) {
	evt, ok := e.(events.TradeSetChanged)
	if !ok {
		return
	}
	if !m.limiter(evt.StrategyID).Allow() {
		return
	}

	// Let the trade mutation settle before recomputing allocation.
	time.AfterFunc(m.debounce, func() {
		ctx := m.lifecycleCtx()
		if ctx.Err() != nil {
			return
		}
		if err := m.ReconcileStrategy(ctx, evt.StrategyID); err != nil {
			log.Error().Err(err).
				Str("component", "reconcile_monitor").
				Str("strategy_id", evt.StrategyID).
				Msg("reconciliation after trade-set change failed")
		}
	})
}

func (m *Monitor) lifecycleCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

func (m *Monitor) limiter(strategyID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[strategyID]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.cfg.ReconcileThrottle), 1)
		m.limiters[strategyID] = l
	}
	return l
}

func (m *Monitor) reconcileAll(ctx context.Context) {
	budgets, err := m.ledger.GetAll(ctx)
	if err != nil {
		log.Error().Err(err).
			Str("component", "reconcile_monitor").
			Msg("failed to list budgets for reconciliation")
		return
	}

	for _, b := range budgets {
		if !m.limiter(b.StrategyID).Allow() {
			continue
		}
		if err := m.ReconcileStrategy(ctx, b.StrategyID); err != nil {
			log.Error().Err(err).
				Str("component", "reconcile_monitor").
				Str("strategy_id", b.StrategyID).
				Msg("periodic reconciliation failed")
		}
	}
}

// ReconcileStrategy recomputes the strategy's actual allocation from
// its active trades and corrects the ledger when the drift exceeds the
// tolerance. It only ever corrects allocated and available, never
// total or profit.
func (m *Monitor) ReconcileStrategy(ctx context.Context, strategyID string) error {
	logger := log.With().
		Str("component", "reconcile_monitor").
		Str("strategy_id", strategyID).
		Logger()

	b, err := m.ledger.Get(ctx, strategyID)
	if err != nil {
		return err
	}
	if b == nil || b.Total <= 0 {
		return nil
	}

	active, err := m.trades.GetActiveTrades(ctx, strategyID)
	if err != nil {
		return err
	}

	var actual float64
	for i := range active {
		t := &active[i]
		if !t.IsActive() {
			continue
		}
		if t.EntryPrice > 0 && t.Quantity > 0 {
			actual += t.EntryPrice * t.Quantity
		} else if t.Cost > 0 {
			// Price or quantity missing; fall back to the cost
			// captured at reservation time.
			actual += t.Cost
		}
	}
	actual = math.Round(actual*100) / 100

	drift := math.Abs(b.Allocated - actual)
	if drift <= m.cfg.ReconcileTolerance {
		return nil
	}

	logger.Warn().
		Float64("ledger_allocated", b.Allocated).
		Float64("actual_allocated", actual).
		Float64("drift", drift).
		Int("active_trades", len(active)).
		Msg("budget allocation mismatch, correcting ledger")

	available := math.Max(0, b.Total-actual)
	corrected, err := m.ledger.Correct(ctx, strategyID, actual, available)
	if err != nil || corrected == nil {
		return err
	}

	m.bus.Publish(events.BudgetReconciled{
		StrategyID:        strategyID,
		PreviousAllocated: b.Allocated,
		Allocated:         corrected.Allocated,
		Drift:             drift,
		Timestamp:         time.Now(),
	})

	logger.Info().
		Float64("allocated", corrected.Allocated).
		Float64("available", corrected.Available).
		Msg("reconciled budget")

	return nil
}
