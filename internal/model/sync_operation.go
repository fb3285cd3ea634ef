package model

import "time"

// LedgerStatus is the recorded outcome of a client operation.
type LedgerStatus string

const (
	LedgerApplied        LedgerStatus = "applied"
	LedgerDuplicate      LedgerStatus = "duplicate"
	LedgerRejected       LedgerStatus = "rejected"
	LedgerRetryableError LedgerStatus = "retryable_error"
)

// SyncOperation is the idempotency ledger row for one client operation id.
// The unique index on OperationID is the only thing preventing double execution.
type SyncOperation struct {
	ID            int64        `gorm:"primaryKey" json:"id"`
	OperationID   string       `gorm:"size:128;not null;uniqueIndex" json:"operation_id"`
	CleanerID     int64        `gorm:"index;not null" json:"cleaner_id"`
	TaskID        int64        `gorm:"index;not null" json:"task_id"`
	OperationType string       `gorm:"size:32;not null" json:"operation_type"`
	PayloadHash   string       `gorm:"size:64" json:"payload_hash"`
	Status        LedgerStatus `gorm:"size:32;not null;index" json:"status"`
	HTTPStatus    int          `json:"http_status"`
	ErrorCode     string       `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage  string       `gorm:"size:512" json:"error_message,omitempty"`
	ProcessedAt   time.Time    `gorm:"not null" json:"processed_at"`

	// Associations
	Task *Task `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"-"`
}
