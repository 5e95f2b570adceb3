// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Supported goose dialects. Each has its own directory of migrations.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// FS contains the embedded SQL migration files.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dir returns the migration directory inside FS for a dialect.
func Dir(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Run applies all pending migrations for dialect to the given database.
func Run(db *sql.DB, dialect string) error {
	dir, err := Dir(dialect)
	if err != nil {
		return err
	}

	goose.SetBaseFS(FS)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
