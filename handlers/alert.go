package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

type AlertHandler struct {
	Alerts     *services.AlertService
	Escalation *services.EscalationService
}

func NewAlertHandler(alerts *services.AlertService, escalation *services.EscalationService) *AlertHandler {
	return &AlertHandler{Alerts: alerts, Escalation: escalation}
}

// RecordFailure ingests a failure report, deduplicating against open events
// of the same type.
func (h *AlertHandler) RecordFailure(c *gin.Context) {
	var req db.RecordFailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := h.Alerts.RecordFailure(c.Request.Context(), req, time.Now().UTC())
	if err != nil {
		if errors.Is(err, services.ErrRateLimited) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, event)
}

// AckAlert closes an open alert event on behalf of the authenticated user.
func (h *AlertHandler) AckAlert(c *gin.Context) {
	id := c.Param("id")

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if err := h.Alerts.Acknowledge(id, userID.(string), time.Now().UTC()); err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found or already acknowledged"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (h *AlertHandler) GetAlert(c *gin.Context) {
	id := c.Param("id")
	event, err := h.Alerts.GetEvent(id)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// ListEscalations returns the escalation audit trail for an alert event,
// including suppressed rows with their reasons.
func (h *AlertHandler) ListEscalations(c *gin.Context) {
	id := c.Param("id")
	escalations, err := h.Alerts.ListEscalations(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escalations": escalations,
		"total":       len(escalations),
	})
}

// ListDeliveries returns every delivery attempt for an alert event.
func (h *AlertHandler) ListDeliveries(c *gin.Context) {
	id := c.Param("id")
	deliveries, err := h.Alerts.ListDeliveries(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deliveries": deliveries,
		"total":      len(deliveries),
	})
}

// TriggerScan runs one escalation scan for an organization on demand,
// outside the worker schedule.
func (h *AlertHandler) TriggerScan(c *gin.Context) {
	orgID := c.Param("org_id")

	result, err := h.Escalation.RunEscalationScanForOrg(c.Request.Context(), orgID, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}
