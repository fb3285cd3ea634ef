// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cleaning-sync-backend/internal/db"
	"cleaning-sync-backend/internal/model"
)

// NewDB opens a private in-memory SQLite database with foreign keys enforced
// and the full schema migrated. A single connection keeps the memory database
// alive and serializes writers.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// SiteOpts customizes a seeded site.
type SiteOpts struct {
	TenantID int64
	Lat, Lng *float64
	Radius   float64
	Standard string
}

// SeedSite inserts a site. Zero TenantID defaults to 1.
func SeedSite(t *testing.T, gdb *gorm.DB, opts SiteOpts) *model.Site {
	t.Helper()
	if opts.TenantID == 0 {
		opts.TenantID = 1
	}
	site := &model.Site{
		TenantID:             opts.TenantID,
		Name:                 "Site " + uuid.NewString()[:8],
		Latitude:             opts.Lat,
		Longitude:            opts.Lng,
		GeofenceRadiusMeters: opts.Radius,
		CleaningStandard:     opts.Standard,
	}
	require.NoError(t, gdb.Create(site).Error)
	return site
}

// SeedTask inserts a task for cleanerID at site in the given status.
func SeedTask(t *testing.T, gdb *gorm.DB, site *model.Site, cleanerID int64, status model.TaskStatus) *model.Task {
	t.Helper()
	task := &model.Task{
		SiteID:    site.ID,
		RoomType:  "bathroom",
		CleanerID: cleanerID,
		Status:    status,
	}
	if status != model.TaskStatusPending {
		started := time.Now().Add(-time.Hour).UTC()
		task.StartedAt = &started
	}
	require.NoError(t, gdb.Omit("Site").Create(task).Error)
	return task
}
