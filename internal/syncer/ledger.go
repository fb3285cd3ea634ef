package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/events"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/task"
)

// errAlreadyRecorded aborts an action whose ledger row lost the insert race.
var errAlreadyRecorded = errors.New("operation already recorded")

// PayloadHash is the SHA-256 of the canonical JSON form of payload. Object
// keys are sorted and insignificant whitespace is dropped.
func PayloadHash(payload []byte) string {
	canonical := payload
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err == nil {
		if raw, err := json.Marshal(decoded); err == nil {
			canonical = raw
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// appliedHook returns the commit hook that writes the applied ledger row in
// the action's transaction. The insert runs in a savepoint so a constraint
// failure leaves the outer transaction usable.
func (c *Coordinator) appliedHook(id model.Identity, op Operation, hash string) task.CommitHook {
	return func(ctx context.Context, tx store.Store, t *model.Task) error {
		row := &model.SyncOperation{
			OperationID:   op.OperationID,
			CleanerID:     id.CleanerID,
			TaskID:        t.ID,
			OperationType: string(op.OperationType),
			PayloadHash:   hash,
			Status:        model.LedgerApplied,
			HTTPStatus:    http.StatusOK,
			ProcessedAt:   c.now(),
		}
		err := tx.Transaction(ctx, func(sp store.Store) error {
			return sp.InsertOperation(ctx, row)
		})
		switch {
		case err == nil:
			return nil
		case store.IsUniqueViolation(err):
			return errAlreadyRecorded
		case store.IsForeignKeyViolation(err):
			c.logger.Warn("ledger row rejected by foreign key; operation stands",
				zap.String("operation_id", op.OperationID), zap.Error(err))
			return nil
		default:
			return err
		}
	}
}

// recordFailure writes a rejected or retryable_error ledger row for a failed
// execution. Losing the insert race resolves to the row that won.
func (c *Coordinator) recordFailure(ctx context.Context, id model.Identity, op Operation, hash string, failure *apperr.Error) Result {
	status := model.LedgerRejected
	if failure.Retryable {
		status = model.LedgerRetryableError
	}
	row := &model.SyncOperation{
		OperationID:   op.OperationID,
		CleanerID:     id.CleanerID,
		TaskID:        op.TaskID,
		OperationType: string(op.OperationType),
		PayloadHash:   hash,
		Status:        status,
		HTTPStatus:    failure.Status,
		ErrorCode:     failure.Code,
		ErrorMessage:  truncate(failure.Message, 512),
		ProcessedAt:   c.now(),
	}

	err := c.store.InsertOperation(ctx, row)
	switch {
	case err == nil, store.IsForeignKeyViolation(err):
	case store.IsUniqueViolation(err):
		if existing, findErr := c.store.FindOperation(ctx, op.OperationID); findErr == nil && existing != nil {
			return c.resolve(ctx, id, op, existing)
		}
	default:
		c.logger.Error("failed to record failed operation",
			zap.String("operation_id", op.OperationID), zap.Error(err))
	}
	return failed(op, status, failure)
}

// resolve answers an operation id that already has a ledger row without
// executing anything.
func (c *Coordinator) resolve(ctx context.Context, id model.Identity, op Operation, existing *model.SyncOperation) Result {
	if existing.CleanerID != id.CleanerID {
		return failed(op, model.LedgerRejected, apperr.Conflict(apperr.CodeOperationIDConflict,
			"operation id was already used by another identity"))
	}
	if existing.TaskID != op.TaskID {
		return failed(op, model.LedgerRejected, apperr.Conflict(apperr.CodeOperationTaskConflict,
			"operation id was already used for another task"))
	}

	switch existing.Status {
	case model.LedgerApplied, model.LedgerDuplicate:
		return c.duplicate(ctx, id, op, existing)
	default:
		return Result{
			OperationID:   op.OperationID,
			TaskID:        op.TaskID,
			OperationType: op.OperationType,
			Status:        existing.Status,
			HTTPStatus:    existing.HTTPStatus,
			ErrorCode:     existing.ErrorCode,
			ErrorMessage:  existing.ErrorMessage,
			Retryable:     existing.Status == model.LedgerRetryableError,
		}
	}
}

// duplicate records the observation and returns the current task snapshot.
func (c *Coordinator) duplicate(ctx context.Context, id model.Identity, op Operation, existing *model.SyncOperation) Result {
	event := &model.TaskEvent{
		TaskID:    op.TaskID,
		ActorID:   id.CleanerID,
		EventType: model.EventSyncOperationDuplicate,
		Metadata: events.Metadata(map[string]any{
			"operation_id":   op.OperationID,
			"operation_type": op.OperationType,
			"processed_at":   existing.ProcessedAt,
		}),
	}
	if err := c.store.AppendEvent(ctx, event); err != nil {
		c.logger.Warn("failed to record duplicate operation", zap.String("operation_id", op.OperationID), zap.Error(err))
	} else {
		c.emitter.Emit(ctx, event)
	}

	res := Result{
		OperationID:   op.OperationID,
		TaskID:        op.TaskID,
		OperationType: op.OperationType,
		Status:        model.LedgerDuplicate,
		HTTPStatus:    http.StatusOK,
	}
	if snapshot, err := c.actions.Snapshot(ctx, id, op.TaskID); err == nil {
		res.Task = snapshot
	}
	return res
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
