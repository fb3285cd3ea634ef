package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"cleaning-sync-backend/internal/model"
)

// ErrNotFound is returned by Get* lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for all database operations of the sync core.
type Store interface {
	DB() *gorm.DB
	// Transaction runs fn against a transactional store. Nested calls use savepoints.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetSite(ctx context.Context, tenantID, siteID int64) (*model.Site, error)
	GetSiteByID(ctx context.Context, siteID int64) (*model.Site, error)
	GetTask(ctx context.Context, taskID int64) (*model.Task, error)
	GetTaskForCleaner(ctx context.Context, taskID, cleanerID, tenantID int64) (*model.Task, error)
	UpdateTask(ctx context.Context, taskID int64, updates map[string]any) error
	UpdateTaskIfStatus(ctx context.Context, taskID int64, allowed []model.TaskStatus, updates map[string]any) (bool, error)
	UpdateTaskIfAIStatus(ctx context.Context, taskID int64, expected model.AIStatus, updates map[string]any) (bool, error)
	ListTaskIDsByAIStatus(ctx context.Context, status model.AIStatus, limit int) ([]int64, error)

	AppendEvent(ctx context.Context, event *model.TaskEvent) error
	LogViolation(ctx context.Context, violation *model.GeofenceViolation) error

	FindOperation(ctx context.Context, operationID string) (*model.SyncOperation, error)
	InsertOperation(ctx context.Context, op *model.SyncOperation) error
	CountOperations(ctx context.Context, cleanerID int64) (*OperationCounts, error)

	FindActiveSession(ctx context.Context, cleanerID int64) (*model.ObjectSession, error)
	GetSession(ctx context.Context, sessionID int64) (*model.ObjectSession, error)
	CreateSession(ctx context.Context, session *model.ObjectSession, first *model.ObjectPresenceSegment) error
	UpdateSession(ctx context.Context, sessionID int64, updates map[string]any) error
	FindOpenSegment(ctx context.Context, sessionID int64) (*model.ObjectPresenceSegment, error)
	OpenSegment(ctx context.Context, segment *model.ObjectPresenceSegment) error
	CloseSegment(ctx context.Context, segmentID int64, end SegmentEnd) (bool, error)
	ListSessionSegments(ctx context.Context, sessionID int64) ([]model.ObjectPresenceSegment, error)
	ListSegmentsInWindow(ctx context.Context, cleanerID, siteID int64, from, to time.Time) ([]model.ObjectPresenceSegment, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListTenantSubscriptions(ctx context.Context, tenantID int64) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for read-only reporting queries.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// GetSite returns a site owned by tenantID.
func (s *gormStore) GetSite(ctx context.Context, tenantID, siteID int64) (*model.Site, error) {
	var site model.Site
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", siteID, tenantID).
		First(&site).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("site %d", siteID))
	}
	return &site, nil
}

// GetSiteByID loads a site without tenant scoping. Used by background workers.
func (s *gormStore) GetSiteByID(ctx context.Context, siteID int64) (*model.Site, error) {
	var site model.Site
	if err := s.db.WithContext(ctx).First(&site, siteID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("site %d", siteID))
	}
	return &site, nil
}

// GetTask loads a task by id without ownership scoping. Used by background workers.
func (s *gormStore) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("task %d", taskID))
	}
	return &task, nil
}

// GetTaskForCleaner loads a task assigned to cleanerID at a site of tenantID.
func (s *gormStore) GetTaskForCleaner(ctx context.Context, taskID, cleanerID, tenantID int64) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).
		Joins("JOIN sites ON sites.id = tasks.site_id").
		Where("tasks.id = ? AND tasks.cleaner_id = ? AND sites.tenant_id = ?", taskID, cleanerID, tenantID).
		First(&task).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("task %d", taskID))
	}
	return &task, nil
}

// UpdateTask applies updates unconditionally.
func (s *gormStore) UpdateTask(ctx context.Context, taskID int64, updates map[string]any) error {
	if err := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update task %d: %w", taskID, err)
	}
	return nil
}

// UpdateTaskIfStatus applies updates only while the task is in one of the
// allowed statuses. It reports whether a row was changed.
func (s *gormStore) UpdateTaskIfStatus(ctx context.Context, taskID int64, allowed []model.TaskStatus, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND status IN ?", taskID, allowed).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update task %d: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateTaskIfAIStatus applies updates only while ai_status equals expected,
// which makes the rating write-back idempotent.
func (s *gormStore) UpdateTaskIfAIStatus(ctx context.Context, taskID int64, expected model.AIStatus, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND ai_status = ?", taskID, expected).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update ai status of task %d: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListTaskIDsByAIStatus returns up to limit task ids with the given ai_status,
// oldest first.
func (s *gormStore) ListTaskIDsByAIStatus(ctx context.Context, status model.AIStatus, limit int) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("ai_status = ?", status).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks with ai status %s: %w", status, err)
	}
	return ids, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
