package model

import (
	"time"

	"gorm.io/datatypes"
)

// Audit event types.
const (
	EventTaskStarted            = "task_started"
	EventTaskCompleted          = "task_completed"
	EventTaskChecklistUpdated   = "task_checklist_updated"
	EventGeofenceViolation      = "geofence_violation"
	EventSyncOperationDuplicate = "sync_operation_duplicate"
	EventAIRated                = "ai_rated"
	EventAIRatingFailed         = "ai_rating_failed"
	EventAIRatingSkipped        = "ai_rating_skipped"
)

// TaskEvent is an append-only audit record. Rows are never updated or deleted.
type TaskEvent struct {
	ID        int64          `gorm:"primaryKey" json:"id"`
	TaskID    int64          `gorm:"not null;index:idx_task_events_task_time,priority:1" json:"task_id"`
	ActorID   int64          `gorm:"index" json:"actor_id"`
	EventType string         `gorm:"size:64;not null;index" json:"event_type"`
	Metadata  datatypes.JSON `json:"metadata"`
	CreatedAt time.Time      `gorm:"not null;index:idx_task_events_task_time,priority:2" json:"created_at"`
}
