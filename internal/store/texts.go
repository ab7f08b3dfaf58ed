package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veracify/veracify/internal/parser"
)

// ErrTextNotParsed is returned when a document has no extracted text yet.
var ErrTextNotParsed = errors.New("document text not parsed")

// DocumentText holds the extracted plain text of a document plus the page
// and heading boundaries the parser reported. It is the substrate every
// chunk offset points into.
type DocumentText struct {
	DocumentID string
	Title      string
	Text       string
	Pages      []parser.Page
	Headings   []parser.Heading
}

// UpsertDocumentText stores the parse output for a document, replacing any
// previous extraction.
func (s *Store) UpsertDocumentText(ctx context.Context, dt DocumentText) error {
	if dt.DocumentID == "" {
		return fmt.Errorf("document_id required")
	}
	pages, err := json.Marshal(dt.Pages)
	if err != nil {
		return fmt.Errorf("marshal pages: %w", err)
	}
	headings, err := json.Marshal(dt.Headings)
	if err != nil {
		return fmt.Errorf("marshal headings: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO document_texts (document_id, title, text, pages, headings, extracted_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (document_id) DO UPDATE SET
  title = EXCLUDED.title,
  text = EXCLUDED.text,
  pages = EXCLUDED.pages,
  headings = EXCLUDED.headings,
  extracted_at = NOW();
`, dt.DocumentID, dt.Title, dt.Text, pages, headings)
	if err != nil {
		return fmt.Errorf("upsert document text: %w", err)
	}
	return nil
}

// GetDocumentText loads the extracted text and boundaries for a document.
func (s *Store) GetDocumentText(ctx context.Context, documentID string) (DocumentText, error) {
	var (
		dt       DocumentText
		pages    []byte
		headings []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT document_id, title, text, pages, headings FROM document_texts WHERE document_id=$1
`, documentID).Scan(&dt.DocumentID, &dt.Title, &dt.Text, &pages, &headings)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentText{}, ErrTextNotParsed
	}
	if err != nil {
		return DocumentText{}, fmt.Errorf("get document text: %w", err)
	}
	if len(pages) > 0 {
		_ = json.Unmarshal(pages, &dt.Pages)
	}
	if len(headings) > 0 {
		_ = json.Unmarshal(headings, &dt.Headings)
	}
	return dt, nil
}
