package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	. "github.com/cronboxhq/cronbox/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	before, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	after, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if after != before {
		L_info("store: migrated schema", "from", before, "to", after)
	} else {
		L_debug("store: schema up to date", "version", after)
	}
	return nil
}
