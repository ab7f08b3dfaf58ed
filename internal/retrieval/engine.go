// Package retrieval answers "which chunks are closest to this query" across
// one or more knowledge bases. A knowledge base that cannot be searched is
// treated as empty rather than failing the whole query; the query only
// fails when every targeted knowledge base fails.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/veracify/veracify/models"
)

// Searcher captures the store methods required by the engine.
type Searcher interface {
	SearchChunks(ctx context.Context, kbIDs []string, vector []float32, topK int) ([]models.RetrievedChunk, error)
	GetChunkVector(ctx context.Context, chunkID string) ([]float32, error)
}

// Embedder embeds free-text queries.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine performs query-time similarity search.
type Engine struct {
	searcher  Searcher
	embedder  Embedder
	threshold float64
	logger    *log.Logger
}

// New builds an Engine. scoreThreshold, when positive, drops results
// scoring below it before ranking; zero disables the floor.
func New(searcher Searcher, embedder Embedder, scoreThreshold float64, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags)
	}
	return &Engine{searcher: searcher, embedder: embedder, threshold: scoreThreshold, logger: logger}
}

// Retrieve embeds the query and returns the top-k chunks across the given
// knowledge bases (all accessible ones when kbIDs is empty), ranked by
// descending score with stable tie-break on (document recency desc,
// chunk_index asc).
func (e *Engine) Retrieve(ctx context.Context, query string, kbIDs []string, k int) ([]models.RetrievedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vectors, err := e.embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}
	return e.search(ctx, vectors[0], kbIDs, k, "")
}

// Similar finds the chunks closest to an existing chunk, reusing its stored
// vector instead of re-embedding its text. The source chunk itself is
// excluded from the result.
func (e *Engine) Similar(ctx context.Context, chunkID string, kbIDs []string, k int) ([]models.RetrievedChunk, error) {
	vector, err := e.searcher.GetChunkVector(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("load stored vector: %w", err)
	}
	// Ask for one extra so dropping the source chunk still fills k.
	results, err := e.search(ctx, vector, kbIDs, k+1, chunkID)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (e *Engine) search(ctx context.Context, vector []float32, kbIDs []string, k int, excludeChunkID string) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = 8
	}

	var merged []models.RetrievedChunk
	if len(kbIDs) == 0 {
		results, err := e.searcher.SearchChunks(ctx, nil, vector, k)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		merged = results
	} else {
		failed := 0
		for _, kb := range kbIDs {
			results, err := e.searcher.SearchChunks(ctx, []string{kb}, vector, k)
			if err != nil {
				// One unreachable collection must not sink the query.
				e.logger.Printf("warn: knowledge base %s unavailable: %v", kb, err)
				failed++
				continue
			}
			merged = append(merged, results...)
		}
		if failed == len(kbIDs) && failed > 0 {
			return nil, fmt.Errorf("all %d targeted knowledge bases failed", failed)
		}
	}

	filtered := merged[:0]
	for _, rc := range merged {
		if excludeChunkID != "" && rc.Chunk.ID == excludeChunkID {
			continue
		}
		if e.threshold > 0 && rc.Score < e.threshold {
			continue
		}
		filtered = append(filtered, rc)
	}
	merged = filtered

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if !merged[i].DocumentTime.Equal(merged[j].DocumentTime) {
			return merged[i].DocumentTime.After(merged[j].DocumentTime)
		}
		return merged[i].Chunk.ChunkIndex < merged[j].Chunk.ChunkIndex
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}
