// Package indexer turns a document's chunks into vectors and upserts them
// into the knowledge base's vector collection. Embedding is all-or-nothing
// per document: a partial failure fails the whole step so no silent gaps
// can appear in the collection.
package indexer

import (
	"context"
	"fmt"
	"log"

	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/models"
)

// Embedder is the embedding capability consumed by the indexer.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore captures the store methods required by the indexer.
type VectorStore interface {
	ReplaceChunkEmbeddings(ctx context.Context, documentID string, records []store.ChunkEmbeddingRecord) error
	CountChunkEmbeddings(ctx context.Context, documentID string) (int, error)
}

// Indexer computes and persists chunk vectors.
type Indexer struct {
	embedder  Embedder
	vectors   VectorStore
	batchSize int
	dims      int
	logger    *log.Logger
}

// New constructs an Indexer. batchSize caps how many chunk texts go into a
// single embedding request. dims, when positive, is the vector width the
// collection schema expects; vectors of any other width fail the embed
// step instead of failing later inside the store.
func New(embedder Embedder, vectors VectorStore, batchSize, dims int, logger *log.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Indexer{embedder: embedder, vectors: vectors, batchSize: batchSize, dims: dims, logger: logger}
}

// Embed computes one vector per chunk and replaces the document's vector
// set in a single transaction, keyed by chunk_id so repeated runs overwrite
// rather than duplicate. Nothing is written unless every chunk embedded.
func (ix *Indexer) Embed(ctx context.Context, doc models.Document, chunks []models.Chunk) (int, error) {
	records := make([]store.ChunkEmbeddingRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := ix.embedder.CreateEmbedding(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch starting at chunk %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i, c := range batch {
			if ix.dims > 0 && len(vectors[i]) != ix.dims {
				return 0, fmt.Errorf("embedder returned a %d-dim vector for chunk %s, collection expects %d", len(vectors[i]), c.ID, ix.dims)
			}
			records = append(records, store.ChunkEmbeddingRecord{
				ChunkID:         c.ID,
				DocumentID:      doc.ID,
				KnowledgeBaseID: doc.KnowledgeBaseID,
				Vector:          vectors[i],
			})
		}
	}

	if err := ix.vectors.ReplaceChunkEmbeddings(ctx, doc.ID, records); err != nil {
		return 0, fmt.Errorf("replace chunk embeddings: %w", err)
	}
	ix.logger.Printf("embedded %d vectors for document %s", len(records), doc.ID)
	return len(records), nil
}

// Verify checks the stored vector count against the expected chunk count.
// A mismatch is a consistency violation and is reported as a step failure,
// never silently accepted.
func (ix *Indexer) Verify(ctx context.Context, documentID string, expected int) (int, error) {
	indexed, err := ix.vectors.CountChunkEmbeddings(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("count indexed vectors: %w", err)
	}
	if indexed != expected {
		return indexed, fmt.Errorf("consistency violation: %d vectors indexed for %d chunks", indexed, expected)
	}
	return indexed, nil
}
