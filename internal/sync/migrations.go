package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// migrateSchema brings the state database up to the current schema. The
// migrations are embedded SQL files applied through a goose provider, so
// a fresh database and one left by an older build converge on the same
// tables before any statement is prepared.
func migrateSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	src, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: opening embedded schema: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, src)
	if err != nil {
		return fmt.Errorf("sync: building migration provider: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: migrating state database: %w", err)
	}

	if len(applied) == 0 {
		logger.Debug("state: schema already current")
		return nil
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("sync: reading schema version: %w", err)
	}

	logger.Info("state: schema migrated",
		"applied", len(applied),
		"version", version,
	)

	return nil
}
