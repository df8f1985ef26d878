package history

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/ksred/ledger-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// maxRecentPerStrategy caps the in-memory fallback history.
	maxRecentPerStrategy = 100

	defaultQueryLimit = 50
)

// Service records every budget change into a per-strategy history log,
// fed from budget updates on the bus. Writes happen on the service's
// own goroutine so ledger mutations never wait on the history store.
// A bounded in-memory tail per strategy serves reads when the store
// is unavailable.
type Service struct {
	db   *Database
	work chan events.BudgetUpdated

	mu     sync.RWMutex
	recent map[string][]BudgetChange
}

func NewService(gormDB *gorm.DB, bus *events.Bus) *Service {
	s := &Service{
		db:     NewDatabase(gormDB),
		work:   make(chan events.BudgetUpdated, 256),
		recent: make(map[string][]BudgetChange),
	}
	bus.Subscribe(events.KindBudgetUpdated, s.enqueue)
	return s
}

func (s *Service) enqueue(e events.Event) {
	evt, ok := e.(events.BudgetUpdated)
	if !ok {
		return
	}
	select {
	case s.work <- evt:
	default:
		log.Warn().
			Str("service", "history").
			Str("strategy_id", evt.StrategyID).
			Msg("history queue full, dropping change")
	}
}

// Start drains the change queue until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	logger := log.With().Str("service", "history").Logger()
	logger.Info().Msg("starting budget history recorder")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down budget history recorder")
			return
		case evt := <-s.work:
			s.record(ctx, evt)
		}
	}
}

func (s *Service) record(ctx context.Context, evt events.BudgetUpdated) {
	entry := BudgetChange{
		StrategyID:   evt.StrategyID,
		ChangeType:   evt.Change,
		ChangeAmount: evt.ChangeAmount,
		Total:        evt.Budget.Total,
		Allocated:    evt.Budget.Allocated,
		Available:    evt.Budget.Available,
		Profit:       evt.Budget.Profit,
		TradeID:      evt.TradeID,
		Timestamp:    evt.Timestamp,
	}
	s.store(ctx, entry)

	// A release carrying profit gets a second entry, so realized P&L
	// shows up in the history as its own line.
	if evt.Change == types.ChangeTradeRelease && evt.Profit != 0 {
		profitEntry := entry
		profitEntry.ChangeType = types.ChangeProfit
		profitEntry.ChangeAmount = evt.Profit
		profitEntry.Timestamp = entry.Timestamp.Add(time.Millisecond)
		s.store(ctx, profitEntry)
	}
}

func (s *Service) store(ctx context.Context, entry BudgetChange) {
	s.mu.Lock()
	tail := append(s.recent[entry.StrategyID], entry)
	if len(tail) > maxRecentPerStrategy {
		tail = tail[len(tail)-maxRecentPerStrategy:]
	}
	s.recent[entry.StrategyID] = tail
	s.mu.Unlock()

	if err := s.db.CreateChange(ctx, &entry); err != nil {
		log.Error().Err(err).
			Str("service", "history").
			Str("strategy_id", entry.StrategyID).
			Str("change_type", entry.ChangeType).
			Msg("failed to persist budget change")
	}
}

// GetHistory returns a strategy's budget changes, newest first. Falls
// back to the in-memory tail when the store read fails.
func (s *Service) GetHistory(ctx context.Context, strategyID string, limit int) ([]BudgetChange, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	changes, err := s.db.GetChanges(ctx, strategyID, limit)
	if err != nil {
		log.Warn().Err(err).
			Str("service", "history").
			Str("strategy_id", strategyID).
			Msg("history store read failed, serving in-memory tail")
		return s.recentTail(strategyID, limit), nil
	}
	return changes, nil
}

func (s *Service) recentTail(strategyID string, limit int) []BudgetChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tail := s.recent[strategyID]
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}

	// Newest first, matching the store query.
	out := make([]BudgetChange, len(tail))
	for i, entry := range tail {
		out[len(tail)-1-i] = entry
	}
	return out
}

// GinHandlers contains HTTP handlers for budget history endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetHistoryHandler handles GET requests for a strategy's budget history
func (h *GinHandlers) GetHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		limit := defaultQueryLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		changes, err := h.service.GetHistory(c.Request.Context(), strategyID, limit)
		response.Handle(c, changes, err)
	}
}
