// Package syncer replays queued client actions exactly once. Every operation
// id is resolved against the idempotency ledger before anything executes.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/task"
)

// OperationType names a replayable task action.
type OperationType string

const (
	OpStart           OperationType = "start"
	OpComplete        OperationType = "complete"
	OpUpdateChecklist OperationType = "update_checklist"
)

const maxOperationIDLength = 128

// Operation is one queued client action.
type Operation struct {
	OperationID   string          `json:"operation_id"`
	TaskID        int64           `json:"task_id"`
	OperationType OperationType   `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Result is the outcome of one operation.
type Result struct {
	OperationID   string             `json:"operation_id"`
	TaskID        int64              `json:"task_id"`
	OperationType OperationType      `json:"operation_type"`
	Status        model.LedgerStatus `json:"status"`
	Applied       bool               `json:"applied"`
	HTTPStatus    int                `json:"http_status"`
	ErrorCode     string             `json:"error_code,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Retryable     bool               `json:"retryable"`
	Task          *model.Task        `json:"task,omitempty"`
}

// Actions executes task actions. *task.Service implements it.
type Actions interface {
	Snapshot(ctx context.Context, id model.Identity, taskID int64) (*model.Task, error)
	Start(ctx context.Context, id model.Identity, taskID int64, in task.StartInput, hook task.CommitHook) (*model.Task, error)
	Complete(ctx context.Context, id model.Identity, taskID int64, in task.CompleteInput, hook task.CommitHook) (*model.Task, error)
	UpdateChecklist(ctx context.Context, id model.Identity, taskID int64, in task.ChecklistInput, hook task.CommitHook) (*model.Task, error)
}

// Coordinator runs batches of operations through the ledger.
type Coordinator struct {
	store     store.Store
	actions   Actions
	validator *Validator
	emitter   *events.Emitter
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(s store.Store, actions Actions, validator *Validator, emitter *events.Emitter, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     s,
		actions:   actions,
		validator: validator,
		emitter:   emitter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch executes ops in order and returns one result per op. A failing
// operation never aborts the batch.
func (c *Coordinator) ProcessBatch(ctx context.Context, id model.Identity, ops []Operation) []Result {
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		results = append(results, c.Process(ctx, id, op))
	}

	var applied int
	for _, r := range results {
		if r.Applied {
			applied++
		}
	}
	c.logger.Info("sync batch processed",
		zap.Int64("cleaner_id", id.CleanerID),
		zap.Int("operations", len(ops)),
		zap.Int("applied", applied),
	)
	return results
}

// Process executes a single operation through the ledger.
func (c *Coordinator) Process(ctx context.Context, id model.Identity, op Operation) Result {
	op.OperationID = strings.TrimSpace(op.OperationID)

	switch {
	case op.OperationID == "" || len(op.OperationID) > maxOperationIDLength:
		return failed(op, model.LedgerRejected, apperr.Invalid(apperr.CodeInvalidOperation,
			fmt.Sprintf("operation id must be 1 to %d characters", maxOperationIDLength)))
	case !supported(op.OperationType):
		return failed(op, model.LedgerRejected, apperr.Invalid(apperr.CodeUnsupportedOperation,
			fmt.Sprintf("unsupported operation type %q", op.OperationType)))
	case op.TaskID <= 0:
		return failed(op, model.LedgerRejected, apperr.Invalid(apperr.CodeInvalidOperation, "task id is required"))
	}

	existing, err := c.store.FindOperation(ctx, op.OperationID)
	if err != nil {
		failure := apperr.Internal(err)
		return failed(op, model.LedgerRetryableError, failure)
	}
	if existing != nil {
		return c.resolve(ctx, id, op, existing)
	}

	hash := PayloadHash(payloadOrEmpty(op.Payload))
	snapshot, err := c.execute(ctx, id, op, hash)
	if err == nil {
		return Result{
			OperationID:   op.OperationID,
			TaskID:        op.TaskID,
			OperationType: op.OperationType,
			Status:        model.LedgerApplied,
			Applied:       true,
			HTTPStatus:    http.StatusOK,
			Task:          snapshot,
		}
	}

	if errors.Is(err, errAlreadyRecorded) {
		existing, findErr := c.store.FindOperation(ctx, op.OperationID)
		if findErr == nil && existing != nil {
			return c.resolve(ctx, id, op, existing)
		}
		if findErr == nil {
			findErr = errors.New("ledger row vanished after conflict")
		}
		return failed(op, model.LedgerRetryableError, apperr.Internal(findErr))
	}

	failure := apperr.Normalize(err)
	if failure.Code == apperr.CodeInternal {
		c.logger.Error("operation failed",
			zap.String("operation_id", op.OperationID),
			zap.Int64("task_id", op.TaskID),
			zap.Error(err),
		)
	}
	return c.recordFailure(ctx, id, op, hash, failure)
}

// Status reports the cleaner's ledger counts.
func (c *Coordinator) Status(ctx context.Context, id model.Identity) (*store.OperationCounts, error) {
	counts, err := c.store.CountOperations(ctx, id.CleanerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return counts, nil
}

func (c *Coordinator) execute(ctx context.Context, id model.Identity, op Operation, hash string) (*model.Task, error) {
	payload := payloadOrEmpty(op.Payload)
	if err := c.validator.Validate(op.OperationType, payload); err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidPayload, err.Error())
	}

	hook := c.appliedHook(id, op, hash)
	switch op.OperationType {
	case OpStart:
		var in task.StartInput
		if err := decode(payload, &in); err != nil {
			return nil, err
		}
		return c.actions.Start(ctx, id, op.TaskID, in, hook)
	case OpComplete:
		var in task.CompleteInput
		if err := decode(payload, &in); err != nil {
			return nil, err
		}
		return c.actions.Complete(ctx, id, op.TaskID, in, hook)
	default:
		var in task.ChecklistInput
		if err := decode(payload, &in); err != nil {
			return nil, err
		}
		return c.actions.UpdateChecklist(ctx, id, op.TaskID, in, hook)
	}
}

func supported(op OperationType) bool {
	switch op {
	case OpStart, OpComplete, OpUpdateChecklist:
		return true
	}
	return false
}

func payloadOrEmpty(payload json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	return trimmed
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Invalid(apperr.CodeInvalidPayload, "payload does not match the operation type")
	}
	return nil
}

func failed(op Operation, status model.LedgerStatus, failure *apperr.Error) Result {
	return Result{
		OperationID:   op.OperationID,
		TaskID:        op.TaskID,
		OperationType: op.OperationType,
		Status:        status,
		HTTPStatus:    failure.Status,
		ErrorCode:     failure.Code,
		ErrorMessage:  failure.Message,
		Retryable:     failure.Retryable,
	}
}
