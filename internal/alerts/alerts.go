package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/ledger-api/internal/config"
	"github.com/ksred/ledger-api/internal/events"
	"github.com/ksred/ledger-api/internal/types"
	"github.com/ksred/ledger-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrAlertNotFound is returned when acknowledging an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

// Service stores budget alerts with per-(strategy, type, severity)
// deduplication inside a sliding window.
type Service struct {
	db  *Database
	bus *events.Bus
	cfg *config.Config
}

func NewService(gormDB *gorm.DB, bus *events.Bus, cfg *config.Config) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		bus: bus,
		cfg: cfg,
	}
}

// CreateAlert stores and publishes an alert unless an identical one
// (same strategy, type and severity) was raised within the dedup
// window. Returns nil without error when the alert was deduplicated.
func (s *Service) CreateAlert(ctx context.Context, alert types.BudgetAlert) (*types.BudgetAlert, error) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	cutoff := alert.Timestamp.Add(-s.cfg.AlertDedupWindow)
	dup, err := s.db.HasRecent(ctx, alert.StrategyID, alert.Type, alert.Severity, cutoff)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}

	alert.AlertID = "ALT_" + uuid.New().String()
	alert.Acknowledged = false
	alert.CreatedAt = time.Now()

	if err := s.db.CreateAlert(ctx, &alert); err != nil {
		return nil, err
	}

	s.bus.Publish(events.BudgetAlertRaised{Alert: alert})

	s.logAt(alert.Severity).
		Str("service", "alerts").
		Str("strategy_id", alert.StrategyID).
		Str("type", alert.Type).
		Msg(alert.Message)

	return &alert, nil
}

// GetAlerts returns a strategy's alerts, newest first.
func (s *Service) GetAlerts(ctx context.Context, strategyID string, includeAcknowledged bool) ([]types.BudgetAlert, error) {
	return s.db.GetAlerts(ctx, strategyID, includeAcknowledged)
}

// Acknowledge marks an alert acknowledged. Acknowledging an
// already-acknowledged alert is a no-op.
func (s *Service) Acknowledge(ctx context.Context, alertID string) error {
	alert, err := s.db.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert == nil {
		return ErrAlertNotFound
	}
	if alert.Acknowledged {
		return nil
	}

	if err := s.db.MarkAcknowledged(ctx, alertID); err != nil {
		return err
	}

	s.bus.Publish(events.AlertAcknowledged{AlertID: alertID})

	log.Info().
		Str("service", "alerts").
		Str("alert_id", alertID).
		Msg("alert acknowledged")

	return nil
}

func (s *Service) logAt(severity string) *zerolog.Event {
	switch severity {
	case types.SeverityError:
		return log.Error()
	case types.SeverityWarning:
		return log.Warn()
	default:
		return log.Info()
	}
}

// GinHandlers contains HTTP handlers for alert endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListAlertsHandler handles GET requests for a strategy's alerts
func (h *GinHandlers) ListAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Query("strategy_id")
		if strategyID == "" {
			response.BadRequest(c, "strategy_id query parameter is required")
			return
		}
		includeAcknowledged := c.Query("include_acknowledged") == "true"

		list, err := h.service.GetAlerts(c.Request.Context(), strategyID, includeAcknowledged)
		response.Handle(c, list, err)
	}
}

// AcknowledgeAlertHandler handles POST requests acknowledging an alert
func (h *GinHandlers) AcknowledgeAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID := c.Param("alert_id")

		if err := h.service.Acknowledge(c.Request.Context(), alertID); err != nil {
			if errors.Is(err, ErrAlertNotFound) {
				response.NotFound(c, "Alert not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{"message": "alert acknowledged"})
	}
}
