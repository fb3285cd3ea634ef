package model

import "time"

// GeofencePhase names the action during which a geofence check was denied.
type GeofencePhase string

const (
	PhaseCheckin  GeofencePhase = "checkin"
	PhasePresence GeofencePhase = "presence"
	PhaseCheckout GeofencePhase = "checkout"
	PhaseStart    GeofencePhase = "start"
	PhaseComplete GeofencePhase = "complete"
)

// GeofenceViolation is a write-only analytics row for every denied geofence check.
type GeofenceViolation struct {
	ID                  int64         `gorm:"primaryKey" json:"id"`
	TenantID            int64         `gorm:"index;not null" json:"tenant_id"`
	SiteID              int64         `gorm:"index;not null" json:"site_id"`
	TaskID              *int64        `gorm:"index" json:"task_id,omitempty"`
	SessionID           *int64        `gorm:"index" json:"session_id,omitempty"`
	CleanerID           int64         `gorm:"index;not null" json:"cleaner_id"`
	Phase               GeofencePhase `gorm:"size:16;not null" json:"phase"`
	Reason              string        `gorm:"size:32;not null" json:"reason"`
	DistanceMeters      *float64      `json:"distance_meters,omitempty"`
	AllowedRadiusMeters float64       `json:"allowed_radius_meters"`
	Latitude            *float64      `json:"latitude,omitempty"`
	Longitude           *float64      `json:"longitude,omitempty"`
	CreatedAt           time.Time     `gorm:"not null" json:"created_at"`
}
