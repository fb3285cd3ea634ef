package model

import "time"

// TaskStatus is the lifecycle state of a task. It only moves forward.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// AIStatus tracks the asynchronous photo rating of a completed task.
type AIStatus string

const (
	AIStatusNone          AIStatus = ""
	AIStatusNotRequested  AIStatus = "not_requested"
	AIStatusNotConfigured AIStatus = "not_configured"
	AIStatusPending       AIStatus = "pending"
	AIStatusRated         AIStatus = "rated"
	AIStatusFailed        AIStatus = "failed"
)

// Task is one unit of cleaning work assigned to a cleaner at a site.
type Task struct {
	ID        int64      `gorm:"primaryKey" json:"id"`
	SiteID    int64      `gorm:"index;not null" json:"site_id"`
	RoomID    *int64     `json:"room_id,omitempty"`
	RoomType  string     `gorm:"size:64" json:"room_type"`
	CleanerID int64      `gorm:"index;not null" json:"cleaner_id"`
	Status    TaskStatus `gorm:"size:16;not null;default:pending" json:"status"`

	PhotoBeforeURL string     `gorm:"size:1024" json:"photo_before_url,omitempty"`
	PhotoAfterURL  string     `gorm:"size:1024" json:"photo_after_url,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	CheckinLat             *float64 `json:"checkin_lat,omitempty"`
	CheckinLng             *float64 `json:"checkin_lng,omitempty"`
	CheckinDistanceMeters  *float64 `json:"checkin_distance_meters,omitempty"`
	CheckoutLat            *float64 `json:"checkout_lat,omitempty"`
	CheckoutLng            *float64 `json:"checkout_lng,omitempty"`
	CheckoutDistanceMeters *float64 `json:"checkout_distance_meters,omitempty"`

	AIStatus     AIStatus   `gorm:"size:32;index" json:"ai_status,omitempty"`
	AIScore      *float64   `json:"ai_score,omitempty"`
	AIFeedback   string     `gorm:"type:text" json:"ai_feedback,omitempty"`
	AIModel      string     `gorm:"size:64" json:"ai_model,omitempty"`
	AIConfidence *float64   `json:"ai_confidence,omitempty"`
	AIRatedAt    *time.Time `json:"ai_rated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Associations
	Site Site `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
