package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/veracify/veracify/models"
)

// ChunkEmbeddingRecord is one stored vector, keyed by chunk_id so repeated
// upserts overwrite rather than duplicate.
type ChunkEmbeddingRecord struct {
	ChunkID         string
	DocumentID      string
	KnowledgeBaseID string
	Vector          []float32
}

// ReplaceChunkEmbeddings replaces all vectors for a document in one
// transaction. Embedding is all-or-nothing per document: either every chunk
// vector lands or none does.
func (s *Store) ReplaceChunkEmbeddings(ctx context.Context, documentID string, records []ChunkEmbeddingRecord) (err error) {
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
		return fmt.Errorf("delete existing chunk embeddings: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_embeddings (chunk_id, document_id, knowledge_base_id, embedding, created_at)
VALUES ($1,$2,$3,$4::vector,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  knowledge_base_id = EXCLUDED.knowledge_base_id,
  embedding = EXCLUDED.embedding,
  created_at = NOW();
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		if rec.ChunkID == "" {
			return fmt.Errorf("chunk_id required")
		}
		if rec.KnowledgeBaseID == "" {
			return fmt.Errorf("knowledge_base_id required for chunk %s", rec.ChunkID)
		}
		vectorLiteral, err := encodeVectorLiteral(rec.Vector)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", rec.ChunkID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ChunkID, rec.DocumentID, rec.KnowledgeBaseID, vectorLiteral); err != nil {
			return fmt.Errorf("insert embedding for chunk %s: %w", rec.ChunkID, err)
		}
	}
	return nil
}

// CountChunkEmbeddings returns the number of indexed vectors for a document.
// Used to verify the points_indexed == chunk_count consistency invariant.
func (s *Store) CountChunkEmbeddings(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings WHERE document_id=$1`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunk embeddings: %w", err)
	}
	return n, nil
}

// GetChunkVector returns the stored vector for a chunk, for similar-to-chunk
// retrieval without re-embedding.
func (s *Store) GetChunkVector(ctx context.Context, chunkID string) ([]float32, error) {
	var literal string
	err := s.DB.QueryRowContext(ctx, `SELECT embedding::text FROM chunk_embeddings WHERE chunk_id=$1`, chunkID).Scan(&literal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk vector: %w", err)
	}
	return decodeVectorLiteral(literal)
}

// SearchChunks returns the closest ready chunks across the given knowledge
// bases, with stable tie-break on (document recency desc, chunk_index asc).
// A knowledge base with no indexed rows simply contributes nothing.
func (s *Store) SearchChunks(ctx context.Context, kbIDs []string, vector []float32, topK int) ([]models.RetrievedChunk, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 8
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.document_id, c.chunk_index, c.char_start, c.char_end, c.page_number, c.section_header, c.text,
       e.knowledge_base_id, d.title, d.updated_at, e.embedding <=> $1::vector AS distance
FROM chunk_embeddings e
JOIN chunks c ON c.id = e.chunk_id
JOIN documents d ON d.id = e.document_id
WHERE d.status = 'ready' AND (cardinality($2::text[]) = 0 OR e.knowledge_base_id = ANY($2))
ORDER BY distance ASC, d.updated_at DESC, c.chunk_index ASC
LIMIT $3
`, vecLiteral, pq.Array(kbIDs), topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()
	var out []models.RetrievedChunk
	for rows.Next() {
		var (
			rc       models.RetrievedChunk
			page     interface{}
			header   interface{}
			distance float64
		)
		if err := rows.Scan(&rc.Chunk.ID, &rc.Chunk.DocumentID, &rc.Chunk.ChunkIndex, &rc.Chunk.CharStart, &rc.Chunk.CharEnd,
			&page, &header, &rc.Chunk.Text, &rc.KnowledgeBaseID, &rc.DocumentTitle, &rc.DocumentTime, &distance); err != nil {
			return nil, err
		}
		if v, ok := page.(int64); ok {
			n := int(v)
			rc.Chunk.PageNumber = &n
		}
		if v, ok := header.(string); ok {
			rc.Chunk.SectionHeader = v
		}
		// Cosine distance in [0,2] maps to a similarity score in [0,1].
		rc.Score = 1 - distance/2
		out = append(out, rc)
	}
	return out, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	parts := strings.Split(lit, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component: %w", err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}
