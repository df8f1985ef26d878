package alerts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Monitor derives alerts from ledger state. It reacts to budget
// updates and trade closes on the bus, and runs a periodic sweep as a
// safety net for budgets changed via a path that emitted no event.
//
// Bus handlers only enqueue; the dedup query and insert run on the
// monitor's own goroutine so ledger mutations never wait on the alert
// store. A full queue drops the event, which the sweep covers.
type Monitor struct {
	service *Service
	ledger  *budget.Service
	cfg     *config.Config
	work    chan events.Event
}

func NewMonitor(service *Service, ledger *budget.Service, bus *events.Bus, cfg *config.Config) *Monitor {
	m := &Monitor{
		service: service,
		ledger:  ledger,
		cfg:     cfg,
		work:    make(chan events.Event, 256),
	}
	bus.Subscribe(events.KindBudgetUpdated, m.enqueue)
	bus.Subscribe(events.KindTradeClosed, m.enqueue)
	bus.Subscribe(events.KindStoreWriteFailed, m.enqueue)
	return m
}

func (m *Monitor) enqueue(e events.Event) {
	select {
	case m.work <- e:
	default:
		log.Warn().
			Str("component", "alert_monitor").
			Str("kind", string(e.Kind())).
			Msg("alert queue full, dropping event")
	}
}

// Start drains the event queue and runs the periodic sweep.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "alert_monitor").Logger()
	logger.Info().Dur("interval", m.cfg.AlertSweepInterval).Msg("starting alert monitor")

	ticker := time.NewTicker(m.cfg.AlertSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down alert monitor")
			return
		case e := <-m.work:
			m.handle(ctx, e)
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, e events.Event) {
	switch evt := e.(type) {
	case events.BudgetUpdated:
		m.CheckLowFunds(ctx, evt.StrategyID, &evt.Budget)
	case events.TradeClosed:
		m.CheckTradePnL(ctx, &evt.Trade, evt.PnL)
	case events.StoreWriteFailed:
		m.onStoreWriteFailed(ctx, evt)
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	budgets, err := m.ledger.GetAll(ctx)
	if err != nil {
		log.Error().Err(err).
			Str("component", "alert_monitor").
			Msg("failed to list budgets for sweep")
		return
	}

	for i := range budgets {
		m.CheckLowFunds(ctx, budgets[i].StrategyID, &budgets[i])
	}
}

func (m *Monitor) onStoreWriteFailed(ctx context.Context, evt events.StoreWriteFailed) {
	// Surface the degradation once the ledger has been running ahead
	// of the store for a full retry cycle.
	if evt.Consecutive < m.cfg.StoreRetries {
		return
	}
	m.createAlert(ctx, types.BudgetAlert{
		StrategyID: evt.StrategyID,
		Type:       types.AlertValidation,
		Severity:   types.SeverityError,
		Message: fmt.Sprintf("Ledger store writes failing for strategy %s (%d consecutive), in-memory state is ahead of the store",
			evt.StrategyID, evt.Consecutive),
	})
}

// CheckLowFunds raises a low-funds alert when the available ratio drops
// below the warning or critical threshold. A zero-total budget never
// alerts.
func (m *Monitor) CheckLowFunds(ctx context.Context, strategyID string, b *types.StrategyBudget) {
	if b == nil || b.Total <= 0 {
		return
	}

	ratio := b.Available / b.Total

	switch {
	case ratio < m.cfg.CriticalFundsRatio:
		m.createAlert(ctx, types.BudgetAlert{
			StrategyID: strategyID,
			Type:       types.AlertLowFunds,
			Severity:   types.SeverityError,
			Message: fmt.Sprintf("Critical: only %.1f%% of budget available ($%.2f)",
				ratio*100, b.Available),
		})
	case ratio < m.cfg.LowFundsRatio:
		m.createAlert(ctx, types.BudgetAlert{
			StrategyID: strategyID,
			Type:       types.AlertLowFunds,
			Severity:   types.SeverityWarning,
			Message: fmt.Sprintf("Low funds: only %.1f%% of budget available ($%.2f)",
				ratio*100, b.Available),
		})
	}
}

// CheckTradePnL raises a profit or loss alert for trades closing with a
// significant absolute P&L.
func (m *Monitor) CheckTradePnL(ctx context.Context, trade *types.Trade, pnl float64) {
	if math.Abs(pnl) <= m.cfg.PnLAlertThreshold {
		return
	}

	alert := types.BudgetAlert{
		StrategyID: trade.StrategyID,
		Type:       types.AlertProfit,
		Severity:   types.SeverityInfo,
		Message:    fmt.Sprintf("Trade closed with profit of $%.2f", pnl),
	}
	if pnl < 0 {
		alert.Type = types.AlertLoss
		alert.Severity = types.SeverityWarning
		alert.Message = fmt.Sprintf("Trade closed with loss of $%.2f", math.Abs(pnl))
	}

	m.createAlert(ctx, alert)
}

func (m *Monitor) createAlert(ctx context.Context, alert types.BudgetAlert) {
	if _, err := m.service.CreateAlert(ctx, alert); err != nil {
		log.Error().Err(err).
			Str("component", "alert_monitor").
			Str("strategy_id", alert.StrategyID).
			Str("type", alert.Type).
			Msg("failed to create alert")
	}
}
