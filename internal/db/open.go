package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteParams are appended to SQLite DSNs that carry no parameters of their own.
var sqliteParams = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=foreign_keys(1)",
	"_pragma=synchronous(NORMAL)",
}

// IsPostgresDSN reports whether the DSN targets PostgreSQL.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// SQLiteDSN normalizes a path or file: URI into a SQLite DSN with default pragmas.
func SQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?" + strings.Join(sqliteParams, "&")
}

// Open connects to PostgreSQL or SQLite depending on the DSN.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	gormCfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	if IsPostgresDSN(trimmed) {
		conn, err := gorm.Open(postgres.Open(trimmed), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		sqlDB, errDB := conn.DB()
		if errDB != nil {
			return nil, fmt.Errorf("db: postgres pool: %w", errDB)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return conn, nil
	}

	conn, err := gorm.Open(sqlite.Open(SQLiteDSN(trimmed)), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: sqlite pool: %w", errDB)
	}
	// SQLite serializes writers; one connection keeps transactions from tripping SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}
