package storage

import "database/sql"

// migrateV001 creates the local cache schema: keyed JSON records for the
// session cache and page associations, and the attachment blob table.
// Every statement uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			kind         TEXT NOT NULL CHECK (kind IN ('url', 'screenshot')),
			payload      BLOB,
			thumbnail    BLOB,
			mime_type    TEXT NOT NULL DEFAULT '',
			byte_size    INTEGER NOT NULL DEFAULT 0,
			stored_size  INTEGER NOT NULL DEFAULT 0,
			compression  TEXT NOT NULL DEFAULT 'none',
			source_url   TEXT NOT NULL DEFAULT '',
			capture_type TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_attachments_kind       ON attachments(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_created_at ON attachments(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV002 adds the reference document store.
func migrateV002(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL DEFAULT 1,
			attachments BLOB NOT NULL DEFAULT '[]',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
