package model

import "time"

// Site is a cleaning object (building, office, ...) with an optional geofence.
// Sites are owned by the CRUD layer; the sync core only reads them.
type Site struct {
	ID                   int64     `gorm:"primaryKey" json:"id"`
	TenantID             int64     `gorm:"index;not null" json:"tenant_id"`
	Name                 string    `gorm:"size:256;not null" json:"name"`
	Latitude             *float64  `json:"latitude"`
	Longitude            *float64  `json:"longitude"`
	GeofenceRadiusMeters float64   `gorm:"not null;default:0" json:"geofence_radius_meters"`
	CleaningStandard     string    `gorm:"size:64" json:"cleaning_standard"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RadiusOr returns the site's geofence radius, or fallback when none is set.
func (s *Site) RadiusOr(fallback float64) float64 {
	if s.GeofenceRadiusMeters > 0 {
		return s.GeofenceRadiusMeters
	}
	return fallback
}
