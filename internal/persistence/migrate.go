package persistence

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" with database/sql
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers "sqlite" with database/sql
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies every pending migration against dsn using driver ("pgx" or
// "sqlite"), through a throwaway database/sql handle — goose operates on
// *sql.DB, independent of the pgxpool used for steady-state traffic.
func Migrate(driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("persistence: open migration handle: %w", err)
	}
	defer db.Close()

	dialect := "postgres"
	if driver == "sqlite" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("persistence: set goose dialect: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("persistence: apply migrations: %w", err)
	}
	return nil
}
