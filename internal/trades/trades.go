package trades

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/settlement"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/ksred/ledger-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientFunds is returned when the strategy's available
	// budget cannot cover a new trade's cost.
	ErrInsufficientFunds = errors.New("insufficient budget for trade")

	// ErrTradeNotFound is returned for operations on an unknown trade ID.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrInvalidTrade is returned when a trade request fails validation.
	ErrInvalidTrade = errors.New("invalid trade")
)

// Service owns the trade records and drives the settlement coordinator
// through the trade lifecycle.
type Service struct {
	db          *Database
	coordinator *settlement.Coordinator
	bus         *events.Bus
}

func NewService(gormDB *gorm.DB, coordinator *settlement.Coordinator, bus *events.Bus) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		coordinator: coordinator,
		bus:         bus,
	}
}

// CreateTradeRequest carries the fields needed to open a trade.
type CreateTradeRequest struct {
	StrategyID string  `json:"strategy_id" binding:"required"`
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required"`
	EntryPrice float64 `json:"entry_price" binding:"required"`
}

// CreateTrade opens a new trade, reserving its cost against the
// strategy budget. Creation is rejected synchronously when the
// reservation fails.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (*types.Trade, error) {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidTrade)
	}
	if req.Quantity <= 0 || req.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: quantity and entry price must be positive", ErrInvalidTrade)
	}

	cost := math.Round(req.Quantity*req.EntryPrice*100) / 100

	trade := &types.Trade{
		TradeID:    "TRD_" + uuid.New().String(),
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		Cost:       cost,
		Status:     types.StatusOpen,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if !s.coordinator.OnTradeOpened(ctx, trade) {
		return nil, ErrInsufficientFunds
	}

	if err := s.db.CreateTrade(ctx, trade); err != nil {
		// Undo the reservation so capital does not leak.
		s.coordinator.OnTradeRejected(ctx, trade)
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	s.bus.Publish(events.TradeSetChanged{StrategyID: trade.StrategyID})

	log.Info().
		Str("service", "trades").
		Str("trade_id", trade.TradeID).
		Str("strategy_id", trade.StrategyID).
		Str("symbol", trade.Symbol).
		Float64("cost", cost).
		Msg("trade created")

	return trade, nil
}

// GetTrade retrieves a trade by its ID.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	return s.db.GetTrade(ctx, tradeID)
}

// GetTradesByStrategy returns all trades for a strategy.
func (s *Service) GetTradesByStrategy(ctx context.Context, strategyID string) ([]types.Trade, error) {
	return s.db.GetTradesByStrategy(ctx, strategyID)
}

// GetActiveTrades returns trades in an active status for a strategy.
func (s *Service) GetActiveTrades(ctx context.Context, strategyID string) ([]types.Trade, error) {
	return s.db.GetActiveTrades(ctx, strategyID)
}

// MarkExecuted moves an open or pending trade to executed once the
// venue confirms it. No ledger effect.
func (s *Service) MarkExecuted(ctx context.Context, tradeID string) (*types.Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, ErrTradeNotFound
	}
	if trade.IsTerminal() {
		return nil, fmt.Errorf("%w: trade %s is %s", ErrInvalidTrade, tradeID, trade.Status)
	}

	trade.Status = types.StatusExecuted
	trade.UpdatedAt = time.Now()
	if err := s.db.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// CloseTrade settles a trade at the given exit price. Closing an
// already-terminal trade is a no-op returning the stored record, so
// redelivered close notifications cannot double-release funds.
func (s *Service) CloseTrade(ctx context.Context, tradeID string, exitPrice float64) (*types.Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, ErrTradeNotFound
	}
	if trade.IsTerminal() {
		log.Debug().
			Str("service", "trades").
			Str("trade_id", tradeID).
			Str("status", trade.Status).
			Msg("close for terminal trade, ignoring")
		return trade, nil
	}
	if exitPrice <= 0 {
		return nil, fmt.Errorf("%w: exit price must be positive", ErrInvalidTrade)
	}

	profit := settlement.ProfitFor(trade, exitPrice)

	trade.Status = types.StatusClosed
	trade.ExitPrice = exitPrice
	trade.Profit = math.Round(profit*100) / 100
	trade.UpdatedAt = time.Now()
	if err := s.db.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}

	s.coordinator.OnTradeClosed(ctx, trade, exitPrice)

	s.bus.Publish(events.TradeClosed{Trade: *trade, PnL: trade.Profit})
	s.bus.Publish(events.TradeSetChanged{StrategyID: trade.StrategyID})

	log.Info().
		Str("service", "trades").
		Str("trade_id", tradeID).
		Float64("exit_price", exitPrice).
		Float64("profit", trade.Profit).
		Msg("trade closed")

	return trade, nil
}

// CancelTrade terminates a trade without profit or loss.
func (s *Service) CancelTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	return s.terminate(ctx, tradeID, types.StatusCancelled)
}

// RejectTrade terminates a trade refused by the venue.
func (s *Service) RejectTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	return s.terminate(ctx, tradeID, types.StatusRejected)
}

func (s *Service) terminate(ctx context.Context, tradeID, status string) (*types.Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, ErrTradeNotFound
	}
	if trade.IsTerminal() {
		return trade, nil
	}

	trade.Status = status
	trade.UpdatedAt = time.Now()
	if err := s.db.UpdateTrade(ctx, trade); err != nil {
		return nil, err
	}

	if status == types.StatusCancelled {
		s.coordinator.OnTradeCancelled(ctx, trade)
	} else {
		s.coordinator.OnTradeRejected(ctx, trade)
	}

	s.bus.Publish(events.TradeSetChanged{StrategyID: trade.StrategyID})

	log.Info().
		Str("service", "trades").
		Str("trade_id", tradeID).
		Str("status", status).
		Msg("trade terminated")

	return trade, nil
}

// GinHandlers contains HTTP handlers for trade endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateTradeHandler handles POST requests to open new trades
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.CreateTrade(c.Request.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, ErrInsufficientFunds):
				response.BadRequest(c, err.Error())
			case errors.Is(err, ErrInvalidTrade):
				response.BadRequest(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}

		response.Success(c, trade)
	}
}

// GetTradeHandler handles GET requests for a single trade
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		trade, err := h.service.GetTrade(c.Request.Context(), tradeID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if trade == nil {
			response.NotFound(c, "Trade not found")
			return
		}

		response.Success(c, trade)
	}
}

// ListTradesHandler handles GET requests for a strategy's trades
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Query("strategy_id")
		if strategyID == "" {
			response.BadRequest(c, "strategy_id query parameter is required")
			return
		}

		list, err := h.service.GetTradesByStrategy(c.Request.Context(), strategyID)
		response.Handle(c, list, err)
	}
}

// CloseTradeHandler handles POST requests settling a trade
func (h *GinHandlers) CloseTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		var req struct {
			ExitPrice float64 `json:"exit_price" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.service.CloseTrade(c.Request.Context(), tradeID, req.ExitPrice)
		h.respond(c, trade, err)
	}
}

// ExecuteTradeHandler handles POST requests confirming venue execution
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.MarkExecuted(c.Request.Context(), c.Param("trade_id"))
		h.respond(c, trade, err)
	}
}

// CancelTradeHandler handles POST requests cancelling a trade
func (h *GinHandlers) CancelTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.CancelTrade(c.Request.Context(), c.Param("trade_id"))
		h.respond(c, trade, err)
	}
}

// RejectTradeHandler handles POST requests rejecting a trade
func (h *GinHandlers) RejectTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.RejectTrade(c.Request.Context(), c.Param("trade_id"))
		h.respond(c, trade, err)
	}
}

func (h *GinHandlers) respond(c *gin.Context, trade *types.Trade, err error) {
	if err != nil {
		switch {
		case errors.Is(err, ErrTradeNotFound):
			response.NotFound(c, "Trade not found")
		case errors.Is(err, ErrInvalidTrade):
			response.BadRequest(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
		return
	}
	response.Success(c, trade)
}
