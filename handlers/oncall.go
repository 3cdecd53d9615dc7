package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/services"
)

type OnCallHandler struct {
	Rotation *services.RotationService
}

func NewOnCallHandler(rotation *services.RotationService) *OnCallHandler {
	return &OnCallHandler{Rotation: rotation}
}

// GetOnCall resolves the on-call identity for an organization. Optional
// query params: at (RFC3339 instant, defaults to now) and global=true to
// resolve the terminal fallback schedule instead of the local chain.
func (h *OnCallHandler) GetOnCall(c *gin.Context) {
	orgID := c.Param("org_id")

	at := time.Now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid at parameter, expected RFC3339"})
			return
		}
		at = parsed
	}

	resolve := h.Rotation.ResolveNow
	if c.Query("global") == "true" {
		resolve = h.Rotation.ResolveGlobal
	}

	resolution, err := resolve(orgID, at)
	if err != nil {
		if errors.Is(err, services.ErrNoSchedule) || errors.Is(err, services.ErrScheduleCycle) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve on-call"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resolution": resolution,
		"at":         at,
	})
}
