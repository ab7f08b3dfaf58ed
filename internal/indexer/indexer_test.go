package indexer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/models"
)

type batchEmbedder struct {
	batches [][]string
	failOn  int // 1-based call number that fails; 0 = never
}

func (e *batchEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches = append(e.batches, texts)
	if e.failOn == len(e.batches) {
		return nil, errors.New("rate limited")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type recordingVectors struct {
	replaced [][]store.ChunkEmbeddingRecord
	count    int
}

func (v *recordingVectors) ReplaceChunkEmbeddings(ctx context.Context, documentID string, records []store.ChunkEmbeddingRecord) error {
	v.replaced = append(v.replaced, records)
	return nil
}

func (v *recordingVectors) CountChunkEmbeddings(ctx context.Context, documentID string) (int, error) {
	return v.count, nil
}

func testChunks(n int) []models.Chunk {
	out := make([]models.Chunk, n)
	for i := range out {
		out[i] = models.Chunk{ID: strings.Repeat("c", i+1), Text: "chunk text"}
	}
	return out
}

func TestEmbedBatchesAndWritesOnce(t *testing.T) {
	emb := &batchEmbedder{}
	vectors := &recordingVectors{}
	ix := New(emb, vectors, 2, 0, nil)
	doc := models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1"}

	n, err := ix.Embed(context.Background(), doc, testChunks(5))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if n != 5 {
		t.Fatalf("generated = %d", n)
	}
	if len(emb.batches) != 3 {
		t.Fatalf("expected 3 batches of size <= 2, got %d", len(emb.batches))
	}
	// All records land in one replace call, never incrementally.
	if len(vectors.replaced) != 1 || len(vectors.replaced[0]) != 5 {
		t.Fatalf("replace calls = %d", len(vectors.replaced))
	}
	if rec := vectors.replaced[0][0]; rec.KnowledgeBaseID != "kb-1" || rec.DocumentID != "doc-1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestEmbedFailureWritesNothing(t *testing.T) {
	emb := &batchEmbedder{failOn: 2}
	vectors := &recordingVectors{}
	ix := New(emb, vectors, 2, 0, nil)

	if _, err := ix.Embed(context.Background(), models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1"}, testChunks(5)); err == nil {
		t.Fatal("expected batch failure to propagate")
	}
	if len(vectors.replaced) != 0 {
		t.Fatal("a failed embed run must not write any vectors")
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	// batchEmbedder always produces 1-dim vectors; the collection schema
	// wants 1536-wide ones.
	vectors := &recordingVectors{}
	ix := New(&batchEmbedder{}, vectors, 2, 1536, nil)

	_, err := ix.Embed(context.Background(), models.Document{ID: "doc-1", KnowledgeBaseID: "kb-1"}, testChunks(2))
	if err == nil {
		t.Fatal("expected dimension mismatch to fail the embed step")
	}
	if len(vectors.replaced) != 0 {
		t.Fatal("mismatched vectors must never reach the store")
	}
}

func TestVerifyCountMismatch(t *testing.T) {
	vectors := &recordingVectors{count: 4}
	ix := New(&batchEmbedder{}, vectors, 2, 0, nil)

	if _, err := ix.Verify(context.Background(), "doc-1", 5); err == nil {
		t.Fatal("expected consistency violation")
	}
	n, err := ix.Verify(context.Background(), "doc-1", 4)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != 4 {
		t.Fatalf("indexed = %d", n)
	}
}
