package database

import (
	"fmt"
	"os"
	"path/filepath"

	"media-recompressor/internal/logger"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Memory is the DSN of a private in-memory database.
const Memory = ":memory:"

// filePragmas put file databases in WAL mode so readers are not blocked by
// the writer, and let a busy writer wait instead of failing.
const filePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Open opens the sqlite database at path and runs the given migrations.
// A single connection is kept so writes from parallel transactions queue
// instead of failing with SQLITE_BUSY, and so an in-memory database is shared.
func Open(path string, log *logrus.Logger, models ...interface{}) (*gorm.DB, error) {
	dsn := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn += filePragmas
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
