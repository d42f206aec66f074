package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the ordered list of migrations. Released steps are never
// edited or renumbered, only appended to.
var schema = []migration{
	{version: 1, name: "initial_schema", apply: migrateV001},
	{version: 2, name: "documents", apply: migrateV002},
}

type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

const createSchemaMigrations = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

// MigrationRunner brings a database up to the latest schema version.
type MigrationRunner struct {
	db          *sql.DB
	journalMode string
	steps       []migration
}

// NewMigrationRunner returns a runner for every known schema step. The
// journal mode defaults to WAL so several instances can read while one
// writes.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db, journalMode: "wal", steps: schema}
}

// WithJournalMode overrides the journal mode set before migrating.
func (r *MigrationRunner) WithJournalMode(mode string) *MigrationRunner {
	if mode != "" {
		r.journalMode = mode
	}
	return r
}

// Run sets the connection pragmas, then applies every step newer than
// the recorded version, each in its own transaction.
func (r *MigrationRunner) Run() error {
	for _, p := range []string{"journal_mode = " + r.journalMode, "foreign_keys = ON"} {
		if _, err := r.db.Exec("PRAGMA " + p); err != nil {
			return fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	if _, err := r.db.Exec(createSchemaMigrations); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := r.CurrentVersion()
	if err != nil {
		return err
	}
	for _, m := range r.steps {
		if m.version <= current {
			continue
		}
		if err := r.step(m); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied schema version, 0 if none.
func (r *MigrationRunner) CurrentVersion() (int, error) {
	return schemaVersion(context.Background(), r.db)
}

// LatestVersion is the version Run migrates to.
func (r *MigrationRunner) LatestVersion() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].version
}

func (r *MigrationRunner) step(m migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
