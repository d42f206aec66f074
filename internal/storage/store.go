package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RecordStore persists whole JSON aggregates under a key.
type RecordStore interface {
	GetRecord(ctx context.Context, key string) ([]byte, error)
	PutRecord(ctx context.Context, key string, value []byte) error
	// UpdateRecord runs a read-modify-write of one record inside a single
	// transaction. fn receives nil when the record does not exist yet.
	UpdateRecord(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	DeleteRecord(ctx context.Context, key string) error
}

// BlobStore persists attachment blobs keyed by numeric id.
type BlobStore interface {
	InsertBlob(ctx context.Context, blob *BlobRow) (int64, error)
	GetBlob(ctx context.Context, id int64) (*BlobRow, error)
	DeleteBlobs(ctx context.Context, ids []int64) (int64, error)
	ListBlobIDs(ctx context.Context) ([]int64, error)
}

// DocumentStore is the versioned document contract.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetAllDocuments(ctx context.Context) ([]Document, error)
	DeleteDocument(ctx context.Context, id string) error
	CreateDocument(ctx context.Context, title, content string, attachments []DocumentAttachment) (*Document, error)
	UpdateDocument(ctx context.Context, id, title, content string, expectedVersion int64, attachments []DocumentAttachment) (*Document, error)
}

// Store is everything one SQLite database provides.
type Store interface {
	RecordStore
	BlobStore
	DocumentStore
	GetStats(ctx context.Context) (*Stats, error)
	PurgeAll(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool

	// Prepared statements
	getRecord  *sql.Stmt
	putRecord  *sql.Stmt
	insertBlob *sql.Stmt
	getBlob    *sql.Stmt
	getDoc     *sql.Stmt
}

var _ Store = (*SQLiteStore)(nil)

// Open creates the parent directory of path, opens the database with a
// busy timeout and immediate transactions, runs migrations and returns a
// ready store. Closing the store closes the database.
func Open(path, journalMode string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := NewMigrationRunner(db).WithJournalMode(journalMode).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create store: %w", err)
	}
	store.ownsDB = true
	return store, nil
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getRecord, err = s.db.Prepare(`SELECT value FROM records WHERE key = ?`)
	if err != nil {
		return err
	}

	s.putRecord, err = s.db.Prepare(upsertRecordSQL)
	if err != nil {
		return err
	}

	s.insertBlob, err = s.db.Prepare(`
		INSERT INTO attachments (kind, payload, thumbnail, mime_type, byte_size, stored_size,
		                         compression, source_url, capture_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.getBlob, err = s.db.Prepare(`
		SELECT id, kind, payload, thumbnail, mime_type, byte_size, stored_size,
		       compression, source_url, capture_type, created_at
		FROM attachments WHERE id = ?
	`)
	if err != nil {
		return err
	}

	s.getDoc, err = s.db.Prepare(`
		SELECT id, title, content, version, attachments, created_at, updated_at
		FROM documents WHERE id = ?
	`)
	if err != nil {
		return err
	}

	return nil
}

const upsertRecordSQL = `
	INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

// DB exposes the underlying handle for size queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// parseTimestamp tries several common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999-07:00",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %s", s)
}

// timestampLayout is fixed width so stored values sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// GetRecord returns the raw value stored under key.
func (s *SQLiteStore) GetRecord(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.getRecord.QueryRowContext(ctx, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", key, ErrNotFound)
		}
		return nil, persistErr("get record", key, err)
	}
	return value, nil
}

// PutRecord replaces the value stored under key.
func (s *SQLiteStore) PutRecord(ctx context.Context, key string, value []byte) error {
	_, err := s.putRecord.ExecContext(ctx, key, value, formatTimestamp(time.Now()))
	return persistErr("put record", key, err)
}

// UpdateRecord reads, transforms and writes one record in a transaction.
// Returning a nil slice from fn leaves the record untouched.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin tx", key, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return persistErr("read record", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx, upsertRecordSQL, key, next, formatTimestamp(time.Now())); err != nil {
		return persistErr("write record", key, err)
	}

	return persistErr("commit", key, tx.Commit())
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	return persistErr("delete record", key, err)
}

// InsertBlob stores a blob and returns its assigned id.
func (s *SQLiteStore) InsertBlob(ctx context.Context, b *BlobRow) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	compression := b.Compression
	if compression == "" {
		compression = "none"
	}

	res, err := s.insertBlob.ExecContext(ctx,
		b.Kind, b.Payload, b.Thumbnail, b.MimeType, b.Size, b.StoredSize,
		compression, b.SourceURL, b.CaptureType, formatTimestamp(b.CreatedAt),
	)
	if err != nil {
		return 0, persistErr("insert attachment", "", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistErr("insert attachment", "", err)
	}
	b.ID = id
	b.Compression = compression
	return id, nil
}

// GetBlob retrieves one blob by id.
func (s *SQLiteStore) GetBlob(ctx context.Context, id int64) (*BlobRow, error) {
	var b BlobRow
	var created string

	err := s.getBlob.QueryRowContext(ctx, id).Scan(
		&b.ID, &b.Kind, &b.Payload, &b.Thumbnail, &b.MimeType, &b.Size, &b.StoredSize,
		&b.Compression, &b.SourceURL, &b.CaptureType, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("attachment_%d: %w", id, ErrNotFound)
		}
		return nil, persistErr("get attachment", fmt.Sprintf("attachment_%d", id), err)
	}

	b.CreatedAt, _ = parseTimestamp(created)
	return &b, nil
}

// DeleteBlobs removes the given ids in one statement and reports how many
// rows went away. Missing ids are ignored.
func (s *SQLiteStore) DeleteBlobs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM attachments WHERE id IN ("+strings.Join(placeholders, ",")+")", args...,
	)
	if err != nil {
		return 0, persistErr("delete attachments", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("delete attachments", "", err)
	}
	return n, nil
}

// ListBlobIDs returns every stored attachment id in ascending order.
func (s *SQLiteStore) ListBlobIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM attachments ORDER BY id`)
	if err != nil {
		return nil, persistErr("list attachments", "", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("scan attachment id", "", err)
		}
		ids = append(ids, id)
	}
	return ids, persistErr("list attachments", "", rows.Err())
}

// PurgeAll deletes every record, blob and document.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM records",
		"DELETE FROM attachments",
		"DELETE FROM documents",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return persistErr("purge", stmt, err)
		}
	}
	return nil
}

// GetStats returns aggregate statistics about the database.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	version, err := schemaVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&stats.Records)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(byte_size), 0), COALESCE(SUM(stored_size), 0) FROM attachments",
	).Scan(&stats.Attachments, &stats.AttachmentSize, &stats.StoredSize)
	if err != nil {
		return nil, fmt.Errorf("count attachments: %w", err)
	}

	// Oldest and newest (handle empty table)
	if stats.Attachments > 0 {
		var oldestStr, newestStr string
		err = s.db.QueryRowContext(ctx, "SELECT MIN(created_at), MAX(created_at) FROM attachments").Scan(&oldestStr, &newestStr)
		if err != nil {
			return nil, fmt.Errorf("attachment time range: %w", err)
		}
		stats.OldestBlob, _ = parseTimestamp(oldestStr)
		stats.NewestBlob, _ = parseTimestamp(newestStr)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, COUNT(*) AS cnt FROM attachments GROUP BY kind ORDER BY cnt DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("attachment kinds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, err
		}
		stats.KindCounts = append(stats.KindCounts, kc)
	}

	return stats, rows.Err()
}

// Close releases all prepared statements. The underlying *sql.DB is only
// closed when the store opened it itself via Open.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{
		s.getRecord, s.putRecord, s.insertBlob, s.getBlob, s.getDoc,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
