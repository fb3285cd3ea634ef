package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"cleaning-sync-backend/internal/syncer"
)

type batchRequest struct {
	Operations []syncer.Operation `json:"operations"`
}

// PostSyncBatch handles POST /api/sync/batch.
func (h *Handler) PostSyncBatch(c *gin.Context) {
	body, ok := rawBody(c)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "invalid_request", "body must be {\"operations\": [...]}")
		return
	}
	if len(req.Operations) > h.maxBatchSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "batch_too_large",
			"message": fmt.Sprintf("at most %d operations per batch", h.maxBatchSize),
		})
		return
	}

	results := h.coordinator.ProcessBatch(c.Request.Context(), identity(c), req.Operations)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GetSyncStatus handles GET /api/sync/status.
func (h *Handler) GetSyncStatus(c *gin.Context) {
	counts, err := h.coordinator.Status(c.Request.Context(), identity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}
