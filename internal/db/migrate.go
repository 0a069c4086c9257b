package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/gamedock/gamedock/internal/db/migrations"
)

// RunMigrations applies the embedded goose migrations for one store.
// set names a subdirectory of the embedded migrations FS ("auth", "game",
// "reviews").
func RunMigrations(ctx context.Context, handle *sql.DB, set string) error {
	sub, err := fs.Sub(migrations.FS, set)
	if err != nil {
		return fmt.Errorf("resolving migration set %q: %w", set, err)
	}

	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, handle, "."); err != nil {
		return fmt.Errorf("running %s migrations: %w", set, err)
	}
	return nil
}
