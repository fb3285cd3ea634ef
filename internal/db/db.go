package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel(cfg.LogLevel)),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	log.Info("running database migrations", zap.String("driver", cfg.Driver))
	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("database initialization complete")
	return db, nil
}

// Migrate creates the schema and the partial unique indexes the sync core
// relies on for race detection.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Site{},
		&model.Task{},
		&model.SyncOperation{},
		&model.TaskEvent{},
		&model.ObjectSession{},
		&model.ObjectPresenceSegment{},
		&model.GeofenceViolation{},
		&model.Checklist{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return applyPresenceDDL(db)
}

// applyPresenceDDL creates the partial indexes backing the presence invariants.
// Both PostgreSQL and SQLite accept this syntax.
func applyPresenceDDL(db *gorm.DB) error {
	ddls := []string{
		// One active session per cleaner, regardless of site.
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_object_sessions_active_cleaner " +
			"ON object_sessions (cleaner_id) WHERE status = 'active';",

		// One open segment per session.
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_presence_segments_open " +
			"ON object_presence_segments (session_id) WHERE ended_at IS NULL;",

		"CREATE INDEX IF NOT EXISTS idx_presence_segments_cleaner_started " +
			"ON object_presence_segments (cleaner_id, site_id, started_at);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}

func logLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
