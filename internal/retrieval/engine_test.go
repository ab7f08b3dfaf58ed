package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veracify/veracify/models"
)

type fakeSearcher struct {
	byKB    map[string][]models.RetrievedChunk
	failKBs map[string]bool
	vectors map[string][]float32
}

func (f *fakeSearcher) SearchChunks(ctx context.Context, kbIDs []string, vector []float32, topK int) ([]models.RetrievedChunk, error) {
	if len(kbIDs) == 0 {
		var all []models.RetrievedChunk
		for _, rcs := range f.byKB {
			all = append(all, rcs...)
		}
		return all, nil
	}
	var out []models.RetrievedChunk
	for _, kb := range kbIDs {
		if f.failKBs[kb] {
			return nil, errors.New("collection unavailable")
		}
		out = append(out, f.byKB[kb]...)
	}
	return out, nil
}

func (f *fakeSearcher) GetChunkVector(ctx context.Context, chunkID string) ([]float32, error) {
	v, ok := f.vectors[chunkID]
	if !ok {
		return nil, models.ErrChunkNotFound
	}
	return v, nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func rc(chunkID, kb string, score float64, docTime time.Time, index int) models.RetrievedChunk {
	return models.RetrievedChunk{
		Chunk:           models.Chunk{ID: chunkID, ChunkIndex: index},
		KnowledgeBaseID: kb,
		Score:           score,
		DocumentTime:    docTime,
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	emb := &fakeEmbedder{}
	e := New(&fakeSearcher{}, emb, 0, nil)
	got, err := e.Retrieve(context.Background(), "   ", nil, 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("empty query should return empty, got %v", got)
	}
	if emb.calls != 0 {
		t.Fatal("empty query must not be embedded")
	}
}

func TestRetrieveMergesAndRanks(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Hour)
	f := &fakeSearcher{byKB: map[string][]models.RetrievedChunk{
		"kb-a": {rc("a1", "kb-a", 0.9, now, 0), rc("a2", "kb-a", 0.7, now, 3)},
		"kb-b": {rc("b1", "kb-b", 0.7, now, 1), rc("b2", "kb-b", 0.7, older, 0)},
	}}
	e := New(f, &fakeEmbedder{}, 0, nil)
	got, err := e.Retrieve(context.Background(), "query", []string{"kb-a", "kb-b"}, 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].Chunk.ID != "a1" {
		t.Errorf("highest score first, got %s", got[0].Chunk.ID)
	}
	// Ties on score break by document recency, then chunk index.
	if got[1].Chunk.ID != "b1" || got[2].Chunk.ID != "a2" {
		t.Errorf("tie-break order = %s, %s", got[1].Chunk.ID, got[2].Chunk.ID)
	}
}

func TestRetrieveAppliesScoreThreshold(t *testing.T) {
	now := time.Now()
	f := &fakeSearcher{byKB: map[string][]models.RetrievedChunk{
		"kb-a": {rc("a1", "kb-a", 0.9, now, 0), rc("a2", "kb-a", 0.5, now, 1)},
	}}
	e := New(f, &fakeEmbedder{}, 0.6, nil)
	got, err := e.Retrieve(context.Background(), "query", []string{"kb-a"}, 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "a1" {
		t.Fatalf("scores below the floor must be dropped, got %v", got)
	}
}

func TestRetrieveSkipsFailedKnowledgeBase(t *testing.T) {
	f := &fakeSearcher{
		byKB:    map[string][]models.RetrievedChunk{"kb-a": {rc("a1", "kb-a", 0.8, time.Now(), 0)}},
		failKBs: map[string]bool{"kb-b": true},
	}
	e := New(f, &fakeEmbedder{}, 0, nil)
	got, err := e.Retrieve(context.Background(), "query", []string{"kb-a", "kb-b"}, 5)
	if err != nil {
		t.Fatalf("one failed knowledge base must not fail the query: %v", err)
	}
	if len(got) != 1 || got[0].Chunk.ID != "a1" {
		t.Fatalf("results = %v", got)
	}
}

func TestRetrieveAllKnowledgeBasesFailed(t *testing.T) {
	f := &fakeSearcher{failKBs: map[string]bool{"kb-a": true, "kb-b": true}}
	e := New(f, &fakeEmbedder{}, 0, nil)
	if _, err := e.Retrieve(context.Background(), "query", []string{"kb-a", "kb-b"}, 5); err == nil {
		t.Fatal("expected error when every knowledge base fails")
	}
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	e := New(&fakeSearcher{byKB: map[string][]models.RetrievedChunk{}}, &fakeEmbedder{}, 0, nil)
	got, err := e.Retrieve(context.Background(), "query", []string{"kb-a"}, 5)
	if err != nil {
		t.Fatalf("empty corpus is not an error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("results = %v", got)
	}
}

func TestRetrieveEmbedFailure(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{err: errors.New("quota")}, 0, nil)
	if _, err := e.Retrieve(context.Background(), "query", nil, 5); err == nil {
		t.Fatal("expected embed error to propagate")
	}
}

func TestSimilarExcludesSource(t *testing.T) {
	now := time.Now()
	f := &fakeSearcher{
		byKB: map[string][]models.RetrievedChunk{
			"kb-a": {rc("src", "kb-a", 1.0, now, 0), rc("n1", "kb-a", 0.8, now, 1), rc("n2", "kb-a", 0.6, now, 2)},
		},
		vectors: map[string][]float32{"src": {0.1, 0.2, 0.3}},
	}
	e := New(f, &fakeEmbedder{}, 0, nil)
	got, err := e.Similar(context.Background(), "src", []string{"kb-a"}, 2)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for _, r := range got {
		if r.Chunk.ID == "src" {
			t.Fatal("source chunk must be excluded")
		}
	}
}

func TestSimilarUnknownChunk(t *testing.T) {
	e := New(&fakeSearcher{vectors: map[string][]float32{}}, &fakeEmbedder{}, 0, nil)
	if _, err := e.Similar(context.Background(), "missing", nil, 3); !errors.Is(err, models.ErrChunkNotFound) {
		t.Fatalf("err = %v", err)
	}
}
