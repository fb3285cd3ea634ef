package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cleaning-sync-backend/internal/model"
)

// OperationCounts aggregates the ledger for one cleaner.
type OperationCounts struct {
	Applied         int64      `json:"applied"`
	Rejected        int64      `json:"rejected"`
	RetryableError  int64      `json:"retryable_error"`
	Duplicate       int64      `json:"duplicate"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// FindOperation returns the ledger row for operationID, or nil when none exists.
func (s *gormStore) FindOperation(ctx context.Context, operationID string) (*model.SyncOperation, error) {
	var op model.SyncOperation
	err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up operation %s: %w", operationID, err)
	}
	return &op, nil
}

// InsertOperation inserts a ledger row. Callers detect a lost race with
// IsUniqueViolation and re-read with FindOperation.
func (s *gormStore) InsertOperation(ctx context.Context, op *model.SyncOperation) error {
	if err := s.db.WithContext(ctx).Omit("Task").Create(op).Error; err != nil {
		return fmt.Errorf("failed to record operation %s: %w", op.OperationID, err)
	}
	return nil
}

// CountOperations aggregates ledger outcomes and duplicate observations for a cleaner.
func (s *gormStore) CountOperations(ctx context.Context, cleanerID int64) (*OperationCounts, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&model.SyncOperation{}).
		Select("status, COUNT(*) as total").
		Where("cleaner_id = ?", cleanerID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}

	counts := &OperationCounts{}
	for _, r := range rows {
		switch model.LedgerStatus(r.Status) {
		case model.LedgerApplied:
			counts.Applied = r.Total
		case model.LedgerRejected:
			counts.Rejected = r.Total
		case model.LedgerRetryableError:
			counts.RetryableError = r.Total
		case model.LedgerDuplicate:
			counts.Duplicate += r.Total
		}
	}

	var duplicates int64
	if err := s.db.WithContext(ctx).
		Model(&model.TaskEvent{}).
		Where("actor_id = ? AND event_type = ?", cleanerID, model.EventSyncOperationDuplicate).
		Count(&duplicates).Error; err != nil {
		return nil, fmt.Errorf("failed to count duplicate observations: %w", err)
	}
	counts.Duplicate += duplicates

	var last model.SyncOperation
	err := s.db.WithContext(ctx).
		Where("cleaner_id = ?", cleanerID).
		Order("processed_at DESC").
		First(&last).Error
	switch {
	case err == nil:
		counts.LastProcessedAt = &last.ProcessedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to load last operation: %w", err)
	}
	return counts, nil
}
