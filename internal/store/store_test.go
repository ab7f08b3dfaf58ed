package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/veracify/veracify/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateDocument(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs(sqlmock.AnyArg(), "kb-1", "Guide", "text/plain", "ref-1", string(models.DocumentStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.CreateDocument(context.Background(), models.Document{
		KnowledgeBaseID: "kb-1",
		Title:           "Guide",
		MimeType:        "text/plain",
		FileRef:         "ref-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateDocumentRequiresKnowledgeBase(t *testing.T) {
	s, _ := newMockStore(t)
	if _, err := s.CreateDocument(context.Background(), models.Document{Title: "x"}); err == nil {
		t.Fatal("expected error without knowledge_base_id")
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, knowledge_base_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetDocument(context.Background(), "missing"); !errors.Is(err, models.ErrDocumentNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSetDocumentStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE documents SET status").
		WithArgs("missing", string(models.DocumentStatusFailed), "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetDocumentStatus(context.Background(), "missing", models.DocumentStatusFailed, "boom")
	if !errors.Is(err, models.ErrDocumentNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestReplaceChunksTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	page := 2
	chunks := []models.Chunk{
		{ChunkIndex: 0, CharStart: 0, CharEnd: 500, Text: "first"},
		{ChunkIndex: 1, CharStart: 450, CharEnd: 900, PageNumber: &page, SectionHeader: "S", Text: "second"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunk_embeddings WHERE document_id=$1")).
		WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunks WHERE document_id=$1")).
		WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(sqlmock.AnyArg(), "doc-1", 0, 0, 500, nil, "", "first").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(sqlmock.AnyArg(), "doc-1", 1, 450, 900, 2, "S", "second").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.ReplaceChunks(context.Background(), "doc-1", chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestReplaceChunksRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunk_embeddings")).
		WithArgs("doc-1").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := s.ReplaceChunks(context.Background(), "doc-1", []models.Chunk{{Text: "x"}}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestListProcessingEvents(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Now().UTC()
	ended := started.Add(120 * time.Millisecond)
	rows := sqlmock.NewRows([]string{"id", "document_id", "step_name", "status", "started_at", "ended_at", "duration_ms", "metrics", "error_message", "retry_count"}).
		AddRow("ev-1", "doc-1", "embed", "failed", started, ended, int64(120), []byte(`{"vectors_generated":0}`), "api unavailable", 0).
		AddRow("ev-2", "doc-1", "embed", "completed", started.Add(time.Second), ended.Add(time.Second), int64(110), []byte(`{"vectors_generated":3}`), nil, 1)
	mock.ExpectQuery("SELECT id, document_id, step_name").
		WithArgs("doc-1").WillReturnRows(rows)

	events, err := s.ListProcessingEvents(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != models.EventStatusFailed || events[0].ErrorMessage != "api unavailable" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Metrics["vectors_generated"] != 3 || events[1].RetryCount != 1 {
		t.Errorf("event 1 = %+v", events[1])
	}
}
