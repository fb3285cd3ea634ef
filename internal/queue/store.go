package queue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Status is the local state of a queued operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

// Entry is one locally queued operation. The operation id is assigned at
// enqueue time and survives restarts, which is what makes server-side
// deduplication work.
type Entry struct {
	ID            int64          `gorm:"primaryKey" json:"-"`
	OperationID   string         `gorm:"size:64;not null;uniqueIndex" json:"operation_id"`
	TaskID        int64          `gorm:"not null;index" json:"task_id"`
	OperationType string         `gorm:"size:32;not null" json:"operation_type"`
	Payload       datatypes.JSON `json:"payload"`
	Status        Status         `gorm:"size:16;not null;index" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	LastError     string         `gorm:"size:512" json:"last_error,omitempty"`
	ErrorCode     string         `gorm:"size:64" json:"error_code,omitempty"`
	Rejected      bool           `gorm:"not null;default:false" json:"rejected"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName pins the local table name.
func (Entry) TableName() string {
	return "queue_entries"
}

// Store is the durable keyed log behind the queue.
type Store interface {
	Put(ctx context.Context, e *Entry) error
	Update(ctx context.Context, e *Entry) error
	// List returns every entry in enqueue order.
	List(ctx context.Context) ([]Entry, error)
	DeleteDone(ctx context.Context) (int64, error)
}

// GormStore keeps the queue in an embedded SQLite database.
type GormStore struct {
	db *gorm.DB
}

// OpenLocal opens (or creates) the queue database at path.
func OpenLocal(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue at %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the drain loop and the CLI.
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// NewGormStore migrates the queue table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("queue migration failed: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying database.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put inserts a new entry.
func (s *GormStore) Put(ctx context.Context, e *Entry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", e.OperationID, err)
	}
	return nil
}

// Update saves every field of an existing entry.
func (s *GormStore) Update(ctx context.Context, e *Entry) error {
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("failed to update %s: %w", e.OperationID, err)
	}
	return nil
}

// List implements Store.
func (s *GormStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return entries, nil
}

// DeleteDone removes entries that reached done.
func (s *GormStore) DeleteDone(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("status = ?", StatusDone).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", res.Error)
	}
	return res.RowsAffected, nil
}
