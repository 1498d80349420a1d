package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bull/docchat/internal/document"
)

const documentColumns = `id, user_id, project_id, source_ref, content_hash, page_count,
	status, failure_reason, pages, created_at, updated_at`

// SaveDocument inserts or replaces a document record.
func (s *Store) SaveDocument(ctx context.Context, doc *document.Document) error {
	pages, err := json.Marshal(nonNilPages(doc.Pages))
	if err != nil {
		return fmt.Errorf("marshalling page reports: %w", err)
	}
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			project_id = excluded.project_id,
			source_ref = excluded.source_ref,
			content_hash = excluded.content_hash,
			page_count = excluded.page_count,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			pages = excluded.pages,
			updated_at = excluded.updated_at`,
		doc.ID, doc.UserID, doc.ProjectID, doc.SourceRef, doc.ContentHash, doc.PageCount,
		string(doc.Status), doc.FailureReason, string(pages),
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns the document or document.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return doc, nil
}

// ListDocuments returns the documents of a project, oldest first. An empty
// projectID lists every document.
func (s *Store) ListDocuments(ctx context.Context, projectID string) ([]document.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// UpdateStatus moves a document to status to, enforcing the status order.
// reason is stored only for the failed status. The updated record is returned.
func (s *Store) UpdateStatus(ctx context.Context, id string, to document.Status, reason string) (*document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading status of %s: %w", id, err)
	}
	if err := document.Status(current).Transition(to); err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	if to != document.StatusFailed {
		reason = ""
	}

	_, err = tx.ExecContext(ctx, `UPDATE documents SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(to), reason, formatTime(s.now()), id)
	if err != nil {
		return nil, fmt.Errorf("updating status of %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id)
}

// SetExtraction records the page count and page-level reports of a document.
func (s *Store) SetExtraction(ctx context.Context, id string, pageCount int, pages []document.PageReport) error {
	data, err := json.Marshal(nonNilPages(pages))
	if err != nil {
		return fmt.Errorf("marshalling page reports: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET page_count = ?, pages = ?, updated_at = ? WHERE id = ?`,
		pageCount, string(data), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating pages of %s: %w", id, err)
	}
	return expectOne(res, id)
}

// SetContentHash records the hash of the ingested source bytes.
func (s *Store) SetContentHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET content_hash = ?, updated_at = ? WHERE id = ?`,
		hash, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating hash of %s: %w", id, err)
	}
	return expectOne(res, id)
}

// DeleteDocument removes the document record.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return expectOne(res, id)
}

// FailInterrupted marks documents left in a non-terminal status by a previous
// process as failed, returning how many were changed.
func (s *Store) FailInterrupted(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failure_reason = ?, updated_at = ?
		WHERE status NOT IN (?, ?)`,
		string(document.StatusFailed), reason, formatTime(s.now()),
		string(document.StatusReady), string(document.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failing interrupted documents: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*document.Document, error) {
	var (
		doc                  document.Document
		status, pages        string
		createdAt, updatedAt string
	)
	err := row.Scan(&doc.ID, &doc.UserID, &doc.ProjectID, &doc.SourceRef, &doc.ContentHash, &doc.PageCount,
		&status, &doc.FailureReason, &pages, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = document.Status(status)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(pages), &doc.Pages); err != nil {
		return nil, fmt.Errorf("decoding page reports: %w", err)
	}
	if len(doc.Pages) == 0 {
		doc.Pages = nil
	}
	return &doc, nil
}

func nonNilPages(pages []document.PageReport) []document.PageReport {
	if pages == nil {
		return []document.PageReport{}
	}
	return pages
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, document.ErrNotFound)
	}
	return nil
}
