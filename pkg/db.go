package pkg

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mchatman/aware-sub000/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the tenant store. A postgres:// DSN selects Postgres;
// anything else is treated as a sqlite file path (":memory:" in tests).
func InitDB(dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.New(log.Default(), logger.Config{
			LogLevel:      logger.Warn,
			SlowThreshold: 200 * time.Millisecond,
		},
		),
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
	} else {
		// Add busy_timeout and WAL mode for better concurrency
		sqliteDSN := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dsn)
		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormCfg)
		if err != nil {
			return nil, err
		}
		// Limit connection pool to 1 to avoid SQLite concurrency issues
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, db.AutoMigrate(
		models.Tenant{},
		models.PortAllocation{},
		models.TeamAPIKey{},
		models.OAuthConnection{},
	)
}
