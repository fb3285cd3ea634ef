package model

import "time"

// SessionStatus is the lifecycle state of an on-site presence session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// ObjectSession is one check-in/check-out presence session of a cleaner at a site.
// At most one session per cleaner is active at any time.
type ObjectSession struct {
	ID        int64         `gorm:"primaryKey" json:"id"`
	TenantID  int64         `gorm:"index;not null" json:"tenant_id"`
	SiteID    int64         `gorm:"index;not null" json:"site_id"`
	CleanerID int64         `gorm:"index;not null" json:"cleaner_id"`
	Status    SessionStatus `gorm:"size:16;not null;index" json:"status"`

	CheckinAt              time.Time  `gorm:"not null" json:"checkin_at"`
	CheckoutAt             *time.Time `json:"checkout_at,omitempty"`
	CheckinLat             *float64   `json:"checkin_lat,omitempty"`
	CheckinLng             *float64   `json:"checkin_lng,omitempty"`
	CheckinDistanceMeters  *float64   `json:"checkin_distance_meters,omitempty"`
	CheckoutLat            *float64   `json:"checkout_lat,omitempty"`
	CheckoutLng            *float64   `json:"checkout_lng,omitempty"`
	CheckoutDistanceMeters *float64   `json:"checkout_distance_meters,omitempty"`

	LastLat            *float64   `json:"last_lat,omitempty"`
	LastLng            *float64   `json:"last_lng,omitempty"`
	LastDistanceMeters *float64   `json:"last_distance_meters,omitempty"`
	IsInside           bool       `gorm:"not null;default:true" json:"is_inside"`
	LastPresenceAt     *time.Time `json:"last_presence_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ObjectPresenceSegment is a maximal interval during which a session stayed
// continuously inside (or outside) the geofence. EndedAt is nil while open.
type ObjectPresenceSegment struct {
	ID                  int64      `gorm:"primaryKey" json:"id"`
	SessionID           int64      `gorm:"not null;index" json:"session_id"`
	SiteID              int64      `gorm:"not null;index" json:"site_id"`
	CleanerID           int64      `gorm:"not null;index" json:"cleaner_id"`
	IsInside            bool       `gorm:"not null" json:"is_inside"`
	StartedAt           time.Time  `gorm:"not null" json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	StartLat            *float64   `json:"start_lat,omitempty"`
	StartLng            *float64   `json:"start_lng,omitempty"`
	StartDistanceMeters *float64   `json:"start_distance_meters,omitempty"`
	EndLat              *float64   `json:"end_lat,omitempty"`
	EndLng              *float64   `json:"end_lng,omitempty"`
	EndDistanceMeters   *float64   `json:"end_distance_meters,omitempty"`

	// Associations
	Session ObjectSession `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
