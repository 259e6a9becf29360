package audit

import (
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects the execution ledger to its database. A postgres:// or
// postgresql:// URL, or a key=value DSN containing host=, selects
// PostgreSQL; anything else is treated as a SQLite file path (an empty
// DSN means sandbox_audit.db), which keeps local development and tests
// dependency-free (the glebarez driver is pure Go, no cgo).
func Open(dsn string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if dsn == "" {
		dsn = "sandbox_audit.db"
	}
	return gorm.Open(sqlite.Open(dsn), gormConfig)
}
