package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/presence"
)

type presenceHandler func(h *Handler, c *gin.Context, siteID int64, coords presence.Coordinates) (*presence.SessionStatus, error)

func (h *Handler) presenceAction(fn presenceHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		siteID, ok := pathID(c, "site_id")
		if !ok {
			return
		}
		body, ok := rawBody(c)
		if !ok {
			return
		}
		var coords presence.Coordinates
		if err := json.Unmarshal(body, &coords); err != nil {
			badRequest(c, apperr.CodeInvalidPayload, "body must be {\"lat\": number, \"lng\": number}")
			return
		}
		status, err := fn(h, c, siteID, coords)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// CheckIn handles POST /api/sites/:site_id/checkin.
func (h *Handler) CheckIn() gin.HandlerFunc {
	return h.presenceAction(func(h *Handler, c *gin.Context, siteID int64, coords presence.Coordinates) (*presence.SessionStatus, error) {
		return h.tracker.CheckIn(c.Request.Context(), identity(c), siteID, coords)
	})
}

// Ping handles POST /api/sites/:site_id/ping.
func (h *Handler) Ping() gin.HandlerFunc {
	return h.presenceAction(func(h *Handler, c *gin.Context, siteID int64, coords presence.Coordinates) (*presence.SessionStatus, error) {
		return h.tracker.Ping(c.Request.Context(), identity(c), siteID, coords)
	})
}

// CheckOut handles POST /api/sites/:site_id/checkout.
func (h *Handler) CheckOut() gin.HandlerFunc {
	return h.presenceAction(func(h *Handler, c *gin.Context, siteID int64, coords presence.Coordinates) (*presence.SessionStatus, error) {
		return h.tracker.CheckOut(c.Request.Context(), identity(c), siteID, coords)
	})
}

// GetPresenceStatus handles GET /api/presence/status.
func (h *Handler) GetPresenceStatus(c *gin.Context) {
	status, err := h.tracker.Status(c.Request.Context(), identity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetTodayTiming handles GET /api/sites/:site_id/timing/today.
func (h *Handler) GetTodayTiming(c *gin.Context) {
	siteID, ok := pathID(c, "site_id")
	if !ok {
		return
	}
	timing, err := h.tracker.TodayTiming(c.Request.Context(), identity(c), siteID, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timing)
}

// GetTaskTiming handles GET /api/tasks/:task_id/timing.
func (h *Handler) GetTaskTiming(c *gin.Context) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	timing, err := h.tracker.TaskTiming(c.Request.Context(), identity(c), taskID, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timing)
}
