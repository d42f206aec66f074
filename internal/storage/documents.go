package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetDocument retrieves a single document by id.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	return scanDocument(s.getDoc.QueryRowContext(ctx, id), id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, id string) (*Document, error) {
	var d Document
	var attachments []byte
	var created, updated string

	err := row.Scan(&d.ID, &d.Title, &d.Content, &d.Version, &attachments, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("get document", id, err)
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &d.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of document %s: %w", d.ID, err)
		}
	}
	d.CreatedAt, _ = parseTimestamp(created)
	d.UpdatedAt, _ = parseTimestamp(updated)
	return &d, nil
}

// GetAllDocuments lists every document, most recently updated first.
func (s *SQLiteStore) GetAllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, version, attachments, created_at, updated_at
		FROM documents ORDER BY updated_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, persistErr("list documents", "", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows, "")
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, persistErr("list documents", "", rows.Err())
}

// DeleteDocument removes a document by id.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete document", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete document", id, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateDocument stores a new document at version 1.
func (s *SQLiteStore) CreateDocument(ctx context.Context, title, content string, attachments []DocumentAttachment) (*Document, error) {
	encoded, err := encodeAttachments(attachments)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Document{
		ID:          uuid.NewString(),
		Title:       title,
		Content:     content,
		Version:     1,
		Attachments: attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, version, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Title, d.Content, d.Version, encoded, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return nil, persistErr("create document", d.ID, err)
	}
	return d, nil
}

// UpdateDocument replaces a document's fields if expectedVersion is still
// current, and bumps its version. A stale expectedVersion yields a
// *VersionConflictError.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, id, title, content string, expectedVersion int64, attachments []DocumentAttachment) (*Document, error) {
	encoded, err := encodeAttachments(attachments)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin tx", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("read document version", id, err)
	}
	if current != expectedVersion {
		return nil, &VersionConflictError{DocumentID: id, Expected: expectedVersion, Current: current}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET title = ?, content = ?, version = ?, attachments = ?, updated_at = ?
		WHERE id = ?
	`, title, content, current+1, encoded, formatTimestamp(now), id)
	if err != nil {
		return nil, persistErr("update document", id, err)
	}

	d, err := scanDocument(tx.QueryRowContext(ctx, `
		SELECT id, title, content, version, attachments, created_at, updated_at
		FROM documents WHERE id = ?
	`, id), id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit", id, err)
	}
	return d, nil
}

func encodeAttachments(attachments []DocumentAttachment) ([]byte, error) {
	if attachments == nil {
		attachments = []DocumentAttachment{}
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return data, nil
}
