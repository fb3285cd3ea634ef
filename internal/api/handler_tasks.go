package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/syncer"
	"cleaning-sync-backend/internal/task"
)

// operationIDHeader lets a direct call take the exactly-once ledger path.
const operationIDHeader = "X-Operation-ID"

// GetTask handles GET /api/tasks/:task_id.
func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	t, err := h.tasks.Snapshot(c.Request.Context(), identity(c), taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// StartTask handles POST /api/tasks/:task_id/start.
func (h *Handler) StartTask(c *gin.Context) {
	h.runAction(c, syncer.OpStart)
}

// CompleteTask handles POST /api/tasks/:task_id/complete.
func (h *Handler) CompleteTask(c *gin.Context) {
	h.runAction(c, syncer.OpComplete)
}

// UpdateChecklist handles POST /api/tasks/:task_id/checklist.
func (h *Handler) UpdateChecklist(c *gin.Context) {
	h.runAction(c, syncer.OpUpdateChecklist)
}

func (h *Handler) runAction(c *gin.Context, op syncer.OperationType) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	body, ok := rawBody(c)
	if !ok {
		return
	}

	if opID := strings.TrimSpace(c.GetHeader(operationIDHeader)); opID != "" {
		res := h.coordinator.Process(c.Request.Context(), identity(c), syncer.Operation{
			OperationID:   opID,
			TaskID:        taskID,
			OperationType: op,
			Payload:       body,
		})
		status := res.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		c.JSON(status, res)
		return
	}

	if err := h.validator.Validate(op, body); err != nil {
		badRequest(c, apperr.CodeInvalidPayload, err.Error())
		return
	}
	t, err := h.direct(c, op, taskID, body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) direct(c *gin.Context, op syncer.OperationType, taskID int64, body []byte) (*model.Task, error) {
	ctx, id := c.Request.Context(), identity(c)
	switch op {
	case syncer.OpStart:
		var in task.StartInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidPayload, err.Error())
		}
		return h.tasks.Start(ctx, id, taskID, in, nil)
	case syncer.OpComplete:
		var in task.CompleteInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidPayload, err.Error())
		}
		return h.tasks.Complete(ctx, id, taskID, in, nil)
	default:
		var in task.ChecklistInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidPayload, err.Error())
		}
		return h.tasks.UpdateChecklist(ctx, id, taskID, in, nil)
	}
}
