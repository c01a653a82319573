package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies every pending migration, each in its own transaction.
// Applied versions are tracked in schema_migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER NOT NULL PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TEXT    NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("sqlite migrate: schema_migrations: %w", err)
	}

	pending, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	for _, m := range pending {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&n); err != nil {
			return fmt.Errorf("sqlite migrate: check %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("sqlite migrate: apply %s: %w", m.name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations returns the embedded migrations sorted by version. File
// names start with the version: 001_transcripts.up.sql.
func loadMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		body, err := migrations.ReadFile(path)
		if err != nil {
			return err
		}
		var version int
		if _, err := fmt.Sscanf(d.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("%s: no version prefix", d.Name())
		}
		out = append(out, migration{version: version, name: d.Name(), sql: string(body)})
		return nil
	})
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, err
}
