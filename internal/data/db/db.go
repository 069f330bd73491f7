package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// Open connects to the configured database. Postgres in production; a
// sqlite:// URL gets the sqlite driver for local development.
func Open(log *logger.Logger, databaseURL string) (*gorm.DB, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}

	gormCfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	}

	var (
		conn *gorm.DB
		err  error
	)
	if strings.HasPrefix(databaseURL, "sqlite://") {
		conn, err = gorm.Open(sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), gormCfg)
	} else {
		conn, err = gorm.Open(postgres.Open(databaseURL), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info("database connected")
	return conn, nil
}

// AutoMigrateAll migrates every persisted entity. Postgres additionally
// needs uuid-ossp for the server-side id defaults.
func AutoMigrateAll(conn *gorm.DB) error {
	if conn.Dialector.Name() == "postgres" {
		if err := conn.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			return fmt.Errorf("create uuid extension: %w", err)
		}
	}
	return conn.AutoMigrate(
		&types.Request{},
		&types.TestCase{},
		&types.GenerationMetric{},
		&types.CoverageAnalysis{},
		&types.SecurityAuditLog{},
	)
}
