package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/ksred/ledger-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns all mutations to strategy budgets. Writes for the same
// strategy are serialized through a per-strategy mutex; reads are
// served from an in-memory cache kept in sync with the store.
//
// Store writes are best-effort with bounded retries. When they exhaust,
// the in-memory state still advances and the failure is surfaced on the
// event bus, to be picked up by the alert monitor and healed by the
// next reconciliation pass.
type Service struct {
	db  *Database
	bus *events.Bus
	cfg *config.Config

	cacheMu sync.RWMutex
	cache   map[string]types.StrategyBudget

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	failMu   sync.Mutex
	failures map[string]int // consecutive store-write failures per strategy
}

func NewService(gormDB *gorm.DB, bus *events.Bus, cfg *config.Config) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		bus:      bus,
		cfg:      cfg,
		cache:    make(map[string]types.StrategyBudget),
		locks:    make(map[string]*sync.Mutex),
		failures: make(map[string]int),
	}
}

// round2 rounds a monetary value to 2 decimal places. Applied at every
// mutation boundary so floating point drift cannot compound.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Service) lockFor(strategyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[strategyID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[strategyID] = mu
	}
	return mu
}

// Initialize returns the existing budget for a strategy, or creates one
// with the given amount. A non-positive amount selects the configured
// default for the current mode.
func (s *Service) Initialize(ctx context.Context, strategyID string, amount float64) (*types.StrategyBudget, error) {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.load(ctx, strategyID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if amount <= 0 {
		amount = s.cfg.InitialBudget()
	}
	amount = round2(amount)

	b := types.StrategyBudget{
		StrategyID:      strategyID,
		Total:           amount,
		Allocated:       0,
		Available:       amount,
		MaxPositionSize: round2(amount * s.cfg.MaxPositionPct),
		Profit:          0,
		LastUpdated:     time.Now(),
	}

	s.storeAndEmit(ctx, &b, change{kind: types.ChangeInitial, amount: amount})

	log.Info().
		Str("service", "budget").
		Str("strategy_id", strategyID).
		Float64("total", b.Total).
		Msg("initialized budget")

	return &b, nil
}

// Get returns the budget for a strategy. Cached state wins over the
// store since the cache may be ahead after a failed write. Returns
// nil when no budget exists.
func (s *Service) Get(ctx context.Context, strategyID string) (*types.StrategyBudget, error) {
	s.cacheMu.RLock()
	if b, ok := s.cache[strategyID]; ok {
		s.cacheMu.RUnlock()
		return &b, nil
	}
	s.cacheMu.RUnlock()

	b, err := s.db.Get(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	s.cacheMu.Lock()
	s.cache[strategyID] = *b
	s.cacheMu.Unlock()

	return b, nil
}

// GetAll returns a snapshot of every tracked budget, preferring cached
// state over store rows.
func (s *Service) GetAll(ctx context.Context) ([]types.StrategyBudget, error) {
	stored, err := s.db.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	seen := make(map[string]bool, len(s.cache))
	out := make([]types.StrategyBudget, 0, len(stored))
	for _, b := range s.cache {
		out = append(out, b)
		seen[b.StrategyID] = true
	}
	for _, b := range stored {
		if !seen[b.StrategyID] {
			out = append(out, b)
		}
	}
	return out, nil
}

// Set replaces the full budget record after validating it. A nil
// budget deletes the record, used when a strategy is deactivated.
func (s *Service) Set(ctx context.Context, strategyID string, b *types.StrategyBudget) error {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	if b == nil {
		if err := s.db.Delete(ctx, strategyID); err != nil {
			log.Warn().Err(err).
				Str("service", "budget").
				Str("strategy_id", strategyID).
				Msg("failed to delete budget from store")
		}
		s.cacheMu.Lock()
		delete(s.cache, strategyID)
		s.cacheMu.Unlock()
		return nil
	}

	if err := validate(b); err != nil {
		return err
	}

	cp := *b
	cp.StrategyID = strategyID
	cp.Total = round2(cp.Total)
	cp.Allocated = round2(cp.Allocated)
	cp.Available = round2(cp.Available)
	cp.Profit = round2(cp.Profit)
	cp.LastUpdated = time.Now()

	s.storeAndEmit(ctx, &cp, change{kind: types.ChangeAdjustment})
	return nil
}

// Reserve atomically moves capital from available to allocated for a
// trade. Returns false, without mutating, when the budget is missing
// or has insufficient available funds.
func (s *Service) Reserve(ctx context.Context, strategyID string, amount float64, tradeID string) bool {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	logger := log.With().
		Str("service", "budget").
		Str("strategy_id", strategyID).
		Str("trade_id", tradeID).
		Logger()

	b, err := s.load(ctx, strategyID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load budget for reservation")
		return false
	}
	if b == nil {
		logger.Warn().Msg("no budget found to reserve against")
		return false
	}

	amount = round2(amount)
	if b.Available < amount {
		logger.Warn().
			Float64("available", b.Available).
			Float64("requested", amount).
			Msg("insufficient available budget")
		return false
	}

	b.Available = round2(b.Available - amount)
	b.Allocated = round2(b.Allocated + amount)
	b.LastUpdated = time.Now()

	s.storeAndEmit(ctx, b, change{kind: types.ChangeTradeAllocation, amount: -amount, tradeID: tradeID})

	logger.Info().Float64("amount", amount).Msg("reserved budget")
	return true
}

// Release reverses a reservation when a trade terminates. Closed trades
// return the reserved amount plus profit to available and move total by
// the profit; cancelled and rejected trades only return the reserved
// amount. Releasing against an unknown strategy is a logged no-op.
func (s *Service) Release(ctx context.Context, strategyID string, amount, profit float64, tradeID, tradeStatus string) {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	logger := log.With().
		Str("service", "budget").
		Str("strategy_id", strategyID).
		Str("trade_id", tradeID).
		Str("trade_status", tradeStatus).
		Logger()

	b, err := s.load(ctx, strategyID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load budget for release")
		return
	}
	if b == nil {
		logger.Warn().Msg("release against unknown strategy, ignoring")
		return
	}

	amount = round2(amount)
	profit = round2(profit)

	b.Allocated = round2(b.Allocated - amount)
	switch tradeStatus {
	case types.StatusCancelled, types.StatusRejected:
		b.Available = round2(b.Available + amount)
	default:
		// closed, or any other terminal status
		b.Available = round2(b.Available + amount + profit)
		b.Total = round2(b.Total + profit)
		b.Profit = round2(b.Profit + profit)
	}

	// Clamp against double-release or rounding underflow, widening
	// total if needed so allocated+available <= total keeps holding.
	clamped := false
	if b.Allocated < 0 {
		b.Allocated = 0
		clamped = true
	}
	if b.Available < 0 {
		b.Available = 0
		clamped = true
	}
	if b.Total < 0 {
		b.Total = 0
		clamped = true
	}
	if clamped && b.Total < round2(b.Allocated+b.Available) {
		b.Total = round2(b.Allocated + b.Available)
	}

	b.LastUpdated = time.Now()
	s.storeAndEmit(ctx, b, change{
		kind:    types.ChangeTradeRelease,
		amount:  amount,
		profit:  profit,
		tradeID: tradeID,
	})

	logger.Info().
		Float64("amount", amount).
		Float64("profit", profit).
		Msg("released budget")
}

// Correct is the reconciliation write path. It overwrites allocated
// and available with externally recomputed figures, leaving total and
// profit untouched. Returns nil when no budget exists.
func (s *Service) Correct(ctx context.Context, strategyID string, allocated, available float64) (*types.StrategyBudget, error) {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.load(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	previousAllocated := b.Allocated
	b.Allocated = round2(math.Max(0, allocated))
	b.Available = round2(math.Max(0, available))
	b.LastUpdated = time.Now()

	s.storeAndEmit(ctx, b, change{kind: types.ChangeAdjustment, amount: b.Allocated - previousAllocated})
	return b, nil
}

// Reset deletes any existing budget and creates a fresh one, used on
// strategy reactivation. A non-positive amount selects the configured
// default.
func (s *Service) Reset(ctx context.Context, strategyID string, amount float64) (*types.StrategyBudget, error) {
	mu := s.lockFor(strategyID)
	mu.Lock()
	defer mu.Unlock()

	if amount <= 0 {
		amount = s.cfg.InitialBudget()
	}
	amount = round2(amount)

	if err := s.db.Delete(ctx, strategyID); err != nil {
		log.Warn().Err(err).
			Str("service", "budget").
			Str("strategy_id", strategyID).
			Msg("failed to delete budget before reset")
	}

	b := types.StrategyBudget{
		StrategyID:      strategyID,
		Total:           amount,
		Allocated:       0,
		Available:       amount,
		MaxPositionSize: round2(amount * s.cfg.MaxPositionPct),
		Profit:          0,
		LastUpdated:     time.Now(),
	}

	s.storeAndEmit(ctx, &b, change{kind: types.ChangeInitial, amount: amount})

	log.Info().
		Str("service", "budget").
		Str("strategy_id", strategyID).
		Float64("total", amount).
		Msg("reset budget")

	return &b, nil
}

// load returns the budget from cache, falling back to the store. Must
// be called with the strategy lock held.
func (s *Service) load(ctx context.Context, strategyID string) (*types.StrategyBudget, error) {
	s.cacheMu.RLock()
	if b, ok := s.cache[strategyID]; ok {
		s.cacheMu.RUnlock()
		return &b, nil
	}
	s.cacheMu.RUnlock()

	b, err := s.db.Get(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// change describes the mutation being applied, carried on the emitted
// budget update so history and alerting can act on the cause.
type change struct {
	kind    string
	amount  float64
	profit  float64
	tradeID string
}

// storeAndEmit updates the cache, persists the row with bounded
// retries, and publishes the budget update. The cache is updated first
// and never rolled back on a store failure.
func (s *Service) storeAndEmit(ctx context.Context, b *types.StrategyBudget, ch change) {
	s.cacheMu.Lock()
	s.cache[b.StrategyID] = *b
	s.cacheMu.Unlock()

	if err := s.persist(ctx, b); err != nil {
		s.failMu.Lock()
		s.failures[b.StrategyID]++
		consecutive := s.failures[b.StrategyID]
		s.failMu.Unlock()

		log.Warn().Err(err).
			Str("service", "budget").
			Str("strategy_id", b.StrategyID).
			Int("consecutive_failures", consecutive).
			Msg("could not persist budget, keeping in-memory state")

		s.bus.Publish(events.StoreWriteFailed{
			StrategyID:  b.StrategyID,
			Consecutive: consecutive,
		})
	} else {
		s.failMu.Lock()
		delete(s.failures, b.StrategyID)
		s.failMu.Unlock()
	}

	s.bus.Publish(events.BudgetUpdated{
		StrategyID:   b.StrategyID,
		Budget:       *b,
		Change:       ch.kind,
		ChangeAmount: ch.amount,
		Profit:       ch.profit,
		TradeID:      ch.tradeID,
		Timestamp:    time.Now(),
	})
}

// persist writes the row to the store with a per-attempt timeout and
// retry with backoff.
func (s *Service) persist(ctx context.Context, b *types.StrategyBudget) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.StoreRetryBackoff * time.Duration(attempt))
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		err := s.db.Upsert(writeCtx, b)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// validate rejects budgets that break the ledger invariants. The
// all-zero record is a valid terminal state for deactivated strategies.
func validate(b *types.StrategyBudget) error {
	if b.IsZero() {
		return nil
	}
	if b.Total < 0 || b.Allocated < 0 || b.Available < 0 {
		return fmt.Errorf("%w: negative values", ErrInvalidBudget)
	}
	if b.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max position size must be positive", ErrInvalidBudget)
	}
	if b.Allocated+b.Available > b.Total+0.01 {
		return fmt.Errorf("%w: allocated %.2f + available %.2f exceeds total %.2f",
			ErrInvalidBudget, b.Allocated, b.Available, b.Total)
	}
	return nil
}

// GinHandlers contains HTTP handlers for budget endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// InitializeBudgetHandler handles POST requests to create a budget for
// a strategy. The body may carry an initial amount.
func (h *GinHandlers) InitializeBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		var request struct {
			Amount float64 `json:"amount"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		b, err := h.service.Initialize(c.Request.Context(), strategyID, request.Amount)
		response.Handle(c, b, err)
	}
}

// GetBudgetHandler handles GET requests for a single strategy budget
func (h *GinHandlers) GetBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		b, err := h.service.Get(c.Request.Context(), strategyID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if b == nil {
			response.NotFound(c, "Budget not found")
			return
		}

		response.Success(c, b)
	}
}

// GetAllBudgetsHandler handles GET requests for all tracked budgets
func (h *GinHandlers) GetAllBudgetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		budgets, err := h.service.GetAll(c.Request.Context())
		response.Handle(c, budgets, err)
	}
}

// SetBudgetHandler handles PUT requests replacing a strategy's budget
func (h *GinHandlers) SetBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		var b types.StrategyBudget
		if err := c.ShouldBindJSON(&b); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Set(c.Request.Context(), strategyID, &b); err != nil {
			if errors.Is(err, ErrInvalidBudget) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "budget updated"})
	}
}

// DeleteBudgetHandler handles DELETE requests removing a strategy's budget
func (h *GinHandlers) DeleteBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		if err := h.service.Set(c.Request.Context(), strategyID, nil); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "budget deleted"})
	}
}

// ResetBudgetHandler handles POST requests resetting a budget to a
// fresh record.
func (h *GinHandlers) ResetBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")

		var request struct {
			Amount float64 `json:"amount"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		b, err := h.service.Reset(c.Request.Context(), strategyID, request.Amount)
		response.Handle(c, b, err)
	}
}
