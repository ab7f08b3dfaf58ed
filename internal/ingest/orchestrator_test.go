package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veracify/veracify/internal/parser"
	"github.com/veracify/veracify/internal/queue/streams"
	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/models"
)

type fakeStore struct {
	mu     sync.Mutex
	docs   map[string]models.Document
	texts  map[string]store.DocumentText
	chunks map[string][]models.Chunk
	events []models.ProcessingEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:   map[string]models.Document{},
		texts:  map[string]store.DocumentText{},
		chunks: map[string][]models.Chunk{},
	}
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return models.Document{}, models.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeStore) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return models.ErrDocumentNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errorMessage
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) SetDocumentReady(ctx context.Context, id string, chunkCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return models.ErrDocumentNotFound
	}
	doc.Status = models.DocumentStatusReady
	doc.ChunkCount = chunkCount
	doc.ErrorMessage = ""
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) AppendProcessingEvent(ctx context.Context, ev models.ProcessingEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	f.events = append(f.events, ev)
	return ev.ID, nil
}

func (f *fakeStore) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.NewString()
		}
	}
	f.chunks[documentID] = chunks
	return nil
}

func (f *fakeStore) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[documentID], nil
}

func (f *fakeStore) UpsertDocumentText(ctx context.Context, dt store.DocumentText) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[dt.DocumentID] = dt
	return nil
}

func (f *fakeStore) GetDocumentText(ctx context.Context, documentID string) (store.DocumentText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dt, ok := f.texts[documentID]
	if !ok {
		return store.DocumentText{}, store.ErrTextNotParsed
	}
	return dt, nil
}

func (f *fakeStore) stepEvents(step models.ProcessingStep) []models.ProcessingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProcessingEvent
	for _, ev := range f.events {
		if ev.StepName == step {
			out = append(out, ev)
		}
	}
	return out
}

type fakeIndexer struct {
	embedFailures int
	embedCalls    int
}

func (f *fakeIndexer) Embed(ctx context.Context, doc models.Document, chunks []models.Chunk) (int, error) {
	f.embedCalls++
	if f.embedCalls <= f.embedFailures {
		return 0, fmt.Errorf("embedding api unavailable (call %d)", f.embedCalls)
	}
	return len(chunks), nil
}

func (f *fakeIndexer) Verify(ctx context.Context, documentID string, expected int) (int, error) {
	return expected, nil
}

type fakeLeaser struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newFakeLeaser() *fakeLeaser { return &fakeLeaser{tokens: map[string]string{}} }

func (f *fakeLeaser) Acquire(ctx context.Context, documentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.tokens[documentID]; held {
		return "", ErrLeaseHeld
	}
	token := uuid.NewString()
	f.tokens[documentID] = token
	return token, nil
}

func (f *fakeLeaser) Refresh(ctx context.Context, documentID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens[documentID] != token {
		return ErrLeaseLost
	}
	return nil
}

func (f *fakeLeaser) Release(ctx context.Context, documentID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens[documentID] == token {
		delete(f.tokens, documentID)
	}
	return nil
}

type fakeQueue struct {
	mu          sync.Mutex
	jobs        []Job
	failPublish error
}

func (f *fakeQueue) PublishRaw(ctx context.Context, stream, eventType string, payload interface{}, opts ...streams.PublishOption) (string, error) {
	job, ok := payload.(Job)
	if !ok {
		return "", fmt.Errorf("unexpected payload %T", payload)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish != nil {
		return "", f.failPublish
	}
	f.jobs = append(f.jobs, job)
	return uuid.NewString(), nil
}

func (f *fakeQueue) pop() (Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return Job{}, false
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, true
}

func newTestPipeline(t *testing.T, ix IndexerAPI) (*Orchestrator, *fakeStore, *fakeQueue, *fakeLeaser, string) {
	t.Helper()
	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ref, _, err := files.Save(strings.NewReader(strings.Repeat("searchable content about retries. ", 40)))
	if err != nil {
		t.Fatalf("save file: %v", err)
	}

	st := newFakeStore()
	docID := uuid.NewString()
	st.docs[docID] = models.Document{
		ID:              docID,
		KnowledgeBaseID: "kb-1",
		Title:           "doc",
		MimeType:        "text/plain",
		FileRef:         ref,
		Status:          models.DocumentStatusPending,
	}

	q := &fakeQueue{}
	leases := newFakeLeaser()
	orch := New(st, files, parser.NewRegistry(), ix, leases, q, Options{
		ChunkSize:    200,
		ChunkOverlap: 20,
		MaxRetries:   3,
		Backoff:      BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond},
	}, nil)
	orch.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return orch, st, q, leases, docID
}

func drain(t *testing.T, orch *Orchestrator, q *fakeQueue) {
	t.Helper()
	for {
		job, ok := q.pop()
		if !ok {
			return
		}
		if err := orch.RunStep(context.Background(), job); err != nil {
			t.Fatalf("run step %s: %v", job.Step, err)
		}
	}
}

func TestPipelineCompletesWithRetries(t *testing.T) {
	ix := &fakeIndexer{embedFailures: 2}
	orch, st, q, leases, docID := newTestPipeline(t, ix)

	if err := orch.Submit(context.Background(), docID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, orch, q)

	doc, err := st.GetDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != models.DocumentStatusReady {
		t.Fatalf("status = %s (%s)", doc.Status, doc.ErrorMessage)
	}
	if doc.ChunkCount == 0 || doc.ChunkCount != len(st.chunks[docID]) {
		t.Fatalf("chunk_count = %d, stored = %d", doc.ChunkCount, len(st.chunks[docID]))
	}

	// The embed step's audit trail shows both failed attempts and the
	// eventual success.
	var failed, completed int
	for _, ev := range st.stepEvents(models.StepEmbed) {
		switch ev.Status {
		case models.EventStatusFailed:
			failed++
			if ev.ErrorMessage == "" {
				t.Error("failed attempt missing error message")
			}
		case models.EventStatusCompleted:
			completed++
			if ev.Metrics["vectors_generated"] != int64(doc.ChunkCount) {
				t.Errorf("vectors_generated = %d", ev.Metrics["vectors_generated"])
			}
		}
	}
	if failed != 2 || completed != 1 {
		t.Fatalf("embed attempts: %d failed, %d completed", failed, completed)
	}

	// Each pipeline step left events, in order.
	for _, step := range []models.ProcessingStep{models.StepUpload, models.StepParse, models.StepChunk, models.StepEmbed, models.StepIndex} {
		if len(st.stepEvents(step)) == 0 {
			t.Errorf("no events recorded for step %s", step)
		}
	}

	leases.mu.Lock()
	held := len(leases.tokens)
	leases.mu.Unlock()
	if held != 0 {
		t.Fatal("lease must be released after completion")
	}
}

func TestPipelineExhaustedRetriesFailsDocument(t *testing.T) {
	ix := &fakeIndexer{embedFailures: 100}
	orch, st, q, leases, docID := newTestPipeline(t, ix)

	if err := orch.Submit(context.Background(), docID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, orch, q)

	doc, _ := st.GetDocument(context.Background(), docID)
	if doc.Status != models.DocumentStatusFailed {
		t.Fatalf("status = %s", doc.Status)
	}
	if !strings.Contains(doc.ErrorMessage, "embed") {
		t.Errorf("error message should name the failed step: %q", doc.ErrorMessage)
	}
	if got := len(st.stepEvents(models.StepEmbed)); got != 5 {
		// 1 started + 4 failed attempts (initial + 3 retries).
		t.Fatalf("embed events = %d", got)
	}

	leases.mu.Lock()
	held := len(leases.tokens)
	leases.mu.Unlock()
	if held != 0 {
		t.Fatal("lease must be released after terminal failure")
	}
}

func TestSubmitRejectsConcurrentAttempt(t *testing.T) {
	orch, _, _, leases, docID := newTestPipeline(t, &fakeIndexer{})
	if _, err := leases.Acquire(context.Background(), docID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := orch.Submit(context.Background(), docID); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("submit under held lease = %v", err)
	}
}

func TestSubmitReleasesLeaseWhenEnqueueFails(t *testing.T) {
	orch, st, q, leases, docID := newTestPipeline(t, &fakeIndexer{})
	q.failPublish = errors.New("stream down")

	if err := orch.Submit(context.Background(), docID); err == nil {
		t.Fatal("expected enqueue failure to propagate")
	}
	doc, err := st.GetDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != models.DocumentStatusFailed {
		t.Fatalf("status = %s, a document with no queued job must not stay processing", doc.Status)
	}
	leases.mu.Lock()
	_, held := leases.tokens[docID]
	leases.mu.Unlock()
	if held {
		t.Fatal("lease must be released when enqueue fails")
	}

	// With the lease gone the next submit starts a fresh attempt instead
	// of a 409 until the TTL expires.
	q.failPublish = nil
	if err := orch.Submit(context.Background(), docID); err != nil {
		t.Fatalf("resubmit after queue recovery: %v", err)
	}
	drain(t, orch, q)
	doc, _ = st.GetDocument(context.Background(), docID)
	if doc.Status != models.DocumentStatusReady {
		t.Fatalf("status after resubmit = %s (%s)", doc.Status, doc.ErrorMessage)
	}
}

func TestRunStepSkipsSupersededLease(t *testing.T) {
	orch, st, _, _, docID := newTestPipeline(t, &fakeIndexer{})
	job := Job{DocumentID: docID, Step: models.StepParse, LeaseToken: "stale-token"}
	if err := orch.RunStep(context.Background(), job); err != nil {
		t.Fatalf("superseded lease should be a clean skip: %v", err)
	}
	if len(st.events) != 0 {
		t.Fatalf("skipped step must not record events, got %d", len(st.events))
	}
}

func TestReprocessReplacesChunkGeneration(t *testing.T) {
	orch, st, q, _, docID := newTestPipeline(t, &fakeIndexer{})
	if err := orch.Submit(context.Background(), docID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, orch, q)
	firstGen := append([]models.Chunk(nil), st.chunks[docID]...)

	if err := orch.Reprocess(context.Background(), docID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	drain(t, orch, q)

	doc, _ := st.GetDocument(context.Background(), docID)
	if doc.Status != models.DocumentStatusReady {
		t.Fatalf("status after reprocess = %s", doc.Status)
	}
	secondGen := st.chunks[docID]
	if len(firstGen) != len(secondGen) {
		t.Fatalf("chunk counts differ: %d vs %d", len(firstGen), len(secondGen))
	}
	for i := range firstGen {
		if firstGen[i].CharStart != secondGen[i].CharStart || firstGen[i].Text != secondGen[i].Text {
			t.Fatalf("reprocess must be deterministic, chunk %d differs", i)
		}
	}
}
