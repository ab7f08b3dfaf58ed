package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/veracify/veracify/models"
)

// Store wraps the relational side of persistence: documents, chunks and
// processing events, plus the pgvector-backed chunk embeddings (vectors.go).
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and pings it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// CreateDocument inserts a new document in status pending and returns its ID.
func (s *Store) CreateDocument(ctx context.Context, doc models.Document) (string, error) {
	if doc.KnowledgeBaseID == "" {
		return "", fmt.Errorf("knowledge_base_id required")
	}
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO documents (id, knowledge_base_id, title, mime_type, file_ref, status, chunk_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,0,NOW(),NOW())
`, id, doc.KnowledgeBaseID, doc.Title, doc.MimeType, doc.FileRef, models.DocumentStatusPending)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// GetDocument fetches one document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	var (
		doc    models.Document
		errMsg sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, knowledge_base_id, title, mime_type, file_ref, status, chunk_count, error_message, created_at, updated_at
FROM documents WHERE id=$1
`, id).Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Title, &doc.MimeType, &doc.FileRef, &doc.Status, &doc.ChunkCount, &errMsg, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, models.ErrDocumentNotFound
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.ErrorMessage = errMsg.String
	return doc, nil
}

// ListDocuments returns the documents of a knowledge base, newest first.
func (s *Store) ListDocuments(ctx context.Context, kbID string) ([]models.Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, knowledge_base_id, title, mime_type, file_ref, status, chunk_count, error_message, created_at, updated_at
FROM documents WHERE knowledge_base_id=$1 ORDER BY created_at DESC
`, kbID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []models.Document
	for rows.Next() {
		var (
			doc    models.Document
			errMsg sql.NullString
		)
		if err := rows.Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Title, &doc.MimeType, &doc.FileRef, &doc.Status, &doc.ChunkCount, &errMsg, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.ErrorMessage = errMsg.String
		out = append(out, doc)
	}
	return out, rows.Err()
}

// SetDocumentStatus transitions a document and records an optional error
// message. chunk_count is left untouched; use SetDocumentReady for the
// terminal success transition.
func (s *Store) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errorMessage string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status=$2, error_message=NULLIF($3,''), updated_at=NOW() WHERE id=$1
`, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

// SetDocumentReady marks a document ready and fixes its chunk_count.
func (s *Store) SetDocumentReady(ctx context.Context, id string, chunkCount int) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status=$2, chunk_count=$3, error_message=NULL, updated_at=NOW() WHERE id=$1
`, id, models.DocumentStatusReady, chunkCount)
	if err != nil {
		return fmt.Errorf("set document ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

// AppendProcessingEvent writes one immutable step-attempt record.
func (s *Store) AppendProcessingEvent(ctx context.Context, ev models.ProcessingEvent) (string, error) {
	if ev.DocumentID == "" {
		return "", fmt.Errorf("document_id required")
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	metrics := ev.Metrics
	if metrics == nil {
		metrics = map[string]int64{}
	}
	metricBytes, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO processing_events (id, document_id, step_name, status, started_at, ended_at, duration_ms, metrics, error_message, retry_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10)
`, id, ev.DocumentID, ev.StepName, ev.Status, ev.StartedAt, ev.EndedAt, ev.DurationMS, metricBytes, ev.ErrorMessage, ev.RetryCount)
	if err != nil {
		return "", fmt.Errorf("insert processing event: %w", err)
	}
	return id, nil
}

// ListProcessingEvents returns the ordered audit trail for a document.
func (s *Store) ListProcessingEvents(ctx context.Context, documentID string) ([]models.ProcessingEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, step_name, status, started_at, ended_at, duration_ms, metrics, error_message, retry_count
FROM processing_events WHERE document_id=$1 ORDER BY started_at ASC, id ASC
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list processing events: %w", err)
	}
	defer rows.Close()
	var out []models.ProcessingEvent
	for rows.Next() {
		var (
			ev          models.ProcessingEvent
			ended       sql.NullTime
			metricBytes []byte
			errMsg      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.StepName, &ev.Status, &ev.StartedAt, &ended, &ev.DurationMS, &metricBytes, &errMsg, &ev.RetryCount); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			ev.EndedAt = &t
		}
		if len(metricBytes) > 0 {
			_ = json.Unmarshal(metricBytes, &ev.Metrics)
		}
		ev.ErrorMessage = errMsg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReplaceChunks swaps the full chunk set of a document in one transaction.
// Old chunk embeddings are removed in the same transaction so that two chunk
// generations never coexist for the document.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) (err error) {
	if documentID == "" {
		return fmt.Errorf("document_id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chunk_embeddings WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete stale chunk embeddings: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (id, document_id, chunk_index, char_start, char_end, page_number, section_header, text, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,NOW())
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		var page interface{}
		if c.PageNumber != nil {
			page = *c.PageNumber
		}
		if _, err = stmt.ExecContext(ctx, id, documentID, c.ChunkIndex, c.CharStart, c.CharEnd, page, c.SectionHeader, c.Text); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

// GetChunk fetches one chunk by ID.
func (s *Store) GetChunk(ctx context.Context, id string) (models.Chunk, error) {
	var (
		c      models.Chunk
		page   sql.NullInt64
		header sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, document_id, chunk_index, char_start, char_end, page_number, section_header, text, created_at
FROM chunks WHERE id=$1
`, id).Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.CharStart, &c.CharEnd, &page, &header, &c.Text, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chunk{}, models.ErrChunkNotFound
	}
	if err != nil {
		return models.Chunk{}, fmt.Errorf("get chunk: %w", err)
	}
	if page.Valid {
		n := int(page.Int64)
		c.PageNumber = &n
	}
	c.SectionHeader = header.String
	return c, nil
}

// ListChunks returns a document's chunks in chunk_index order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, chunk_index, char_start, char_end, page_number, section_header, text, created_at
FROM chunks WHERE document_id=$1 ORDER BY chunk_index ASC
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		var (
			c      models.Chunk
			page   sql.NullInt64
			header sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.CharStart, &c.CharEnd, &page, &header, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		if page.Valid {
			n := int(page.Int64)
			c.PageNumber = &n
		}
		c.SectionHeader = header.String
		out = append(out, c)
	}
	return out, rows.Err()
}
