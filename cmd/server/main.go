package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/ledger-api/internal/alerts"
	"github.com/ksred/ledger-api/internal/auth"
	"github.com/ksred/ledger-api/internal/budget"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/database"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/history"
	"github.com/ksred/ledger-api/internal/reconcile"
	"github.com/ksred/ledger-api/internal/settlement"
	"github.com/ksred/ledger-api/internal/stream"
	"github.com/ksred/ledger-api/internal/trades"
	"github.com/ksred/ledger-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the ledger process: one authoritative budget service per
// deployment, the settlement coordinator and monitors around it, and
// the HTTP/WebSocket surface on top.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	bus := events.NewBus()

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ledger := budget.NewService(db, bus, cfg)
	budgetHandlers := budget.NewGinHandlers(ledger)

	coordinator := settlement.NewCoordinator(db, ledger)

	tradeService := trades.NewService(db, coordinator, bus)
	tradeHandlers := trades.NewGinHandlers(tradeService)

	historyService := history.NewService(db, bus)
	historyHandlers := history.NewGinHandlers(historyService)

	alertService := alerts.NewService(db, bus, cfg)
	alertHandlers := alerts.NewGinHandlers(alertService)
	alertMonitor := alerts.NewMonitor(alertService, ledger, bus, cfg)

	reconcileMonitor := reconcile.NewMonitor(ledger, tradeService, bus, cfg)

	hub := stream.NewHub(bus)

	// Start background monitors
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()

	go alertMonitor.Start(monitorCtx)
	go reconcileMonitor.Start(monitorCtx)
	go historyService.Start(monitorCtx)

	// Initialize router
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, authHandlers, budgetHandlers, tradeHandlers, alertHandlers, historyHandlers, hub)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	monitorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public endpoints for authentication
// - Budget and trade routes: protected by JWT authentication
// - Internal routes: lifecycle notifications from internal services
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	budgetHandlers *budget.GinHandlers,
	tradeHandlers *trades.GinHandlers,
	alertHandlers *alerts.GinHandlers,
	historyHandlers *history.GinHandlers,
	hub *stream.Hub,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		budgets := v1.Group("/budgets")
		budgets.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			budgets.GET("", budgetHandlers.GetAllBudgetsHandler())
			budgets.GET("/:strategy_id", budgetHandlers.GetBudgetHandler())
			budgets.POST("/:strategy_id/initialize", budgetHandlers.InitializeBudgetHandler())
			budgets.PUT("/:strategy_id", budgetHandlers.SetBudgetHandler())
			budgets.DELETE("/:strategy_id", budgetHandlers.DeleteBudgetHandler())
			budgets.POST("/:strategy_id/reset", budgetHandlers.ResetBudgetHandler())
			budgets.GET("/:strategy_id/history", historyHandlers.GetHistoryHandler())
		}

		tradeGroup := v1.Group("/trades")
		tradeGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			tradeGroup.POST("", tradeHandlers.CreateTradeHandler())
			tradeGroup.GET("", tradeHandlers.ListTradesHandler())
			tradeGroup.GET("/:trade_id", tradeHandlers.GetTradeHandler())
		}

		alertGroup := v1.Group("/alerts")
		alertGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			alertGroup.GET("", alertHandlers.ListAlertsHandler())
			alertGroup.POST("/:alert_id/acknowledge", alertHandlers.AcknowledgeAlertHandler())
		}

		// Internal routes carrying trade lifecycle notifications
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/trades/:trade_id/execute", tradeHandlers.ExecuteTradeHandler())
			internal.POST("/trades/:trade_id/close", tradeHandlers.CloseTradeHandler())
			internal.POST("/trades/:trade_id/cancel", tradeHandlers.CancelTradeHandler())
			internal.POST("/trades/:trade_id/reject", tradeHandlers.RejectTradeHandler())
		}

		v1.GET("/ws", hub.ServeWS())
	}
}
