package db

import (
	"fmt"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"gorm.io/gorm"
)

// ddl defines an index or DDL statement to apply.
type ddl struct {
	name string // Human-readable name for error reporting.
	sql  string // SQL to execute.
}

// sharedDDL is valid on both PostgreSQL and SQLite.
var sharedDDL = []ddl{
	{
		name: "idx_disconnect_queue_pending_username",
		sql: `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_disconnect_queue_pending_username
			ON disconnect_queue (username)
			WHERE processed = false
		`,
	},
	{
		name: "idx_disconnect_queue_pending_created",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_disconnect_queue_pending_created
			ON disconnect_queue (created_at)
			WHERE processed = false
		`,
	},
	{
		name: "idx_accounting_sessions_active_username",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_accounting_sessions_active_username
			ON accounting_sessions (username)
			WHERE stopped_at IS NULL
		`,
	},
	{
		name: "idx_radcheck_username_attribute",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_radcheck_username_attribute
			ON radcheck (username, attribute)
		`,
	},
}

// allModels lists every persisted model.
func allModels() []any {
	return []any{
		&models.Router{},
		&models.Plan{},
		&models.UserPlanAssignment{},
		&models.AccountingSession{},
		&models.PeriodUsageCounter{},
		&models.DisconnectQueueEntry{},
		&models.RadCheck{},
		&models.CommandLog{},
	}
}

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(allModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	ddls := append([]ddl{}, sharedDDL...)
	ddls = append(ddls, ddl{
		name: "idx_accounting_sessions_unlinked",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_accounting_sessions_unlinked
			ON accounting_sessions (nas_ip_address)
			WHERE gateway_id IS NULL
		`,
	})
	return applyDDL(conn, ddls)
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(allModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return applyDDL(conn, sharedDDL)
}

func applyDDL(conn *gorm.DB, ddls []ddl) error {
	for _, stmt := range ddls {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: %s: %w", stmt.name, errExec)
		}
	}
	return nil
}
