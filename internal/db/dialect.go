package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the gorm dialector name of conn, or "" when unknown.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsFold builds a case-insensitive substring match of term against column. The
// term is matched literally: LIKE wildcards in it are escaped.
func ContainsFold(conn *gorm.DB, column, term string) (string, string) {
	pattern := "%" + likeEscaper.Replace(term) + "%"
	if DialectName(conn) == DialectSQLite {
		return fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, column), strings.ToLower(pattern)
	}
	return fmt.Sprintf(`%s ILIKE ? ESCAPE '\'`, column), pattern
}
