package model

import "time"

// PushSubscription holds a supervisor's browser push subscription. Alerts are
// fanned out to every subscription of the tenant.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"auth"`
	TenantID  int64     `gorm:"index;not null" json:"tenant_id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
