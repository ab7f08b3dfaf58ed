// Package ingest drives documents through the processing pipeline:
// upload -> parse -> chunk -> embed -> index. Each step attempt is recorded
// as an immutable ProcessingEvent; failed steps are retried with exponential
// backoff; exhausted retries leave the document failed until an explicit
// reprocess. At most one processing attempt runs per document, enforced by
// a Redis-backed lease.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veracify/veracify/internal/chunker"
	"github.com/veracify/veracify/internal/parser"
	"github.com/veracify/veracify/internal/queue/streams"
	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/internal/telemetry"
	"github.com/veracify/veracify/models"
)

// Stream names, one queue per step so step types scale independently.
const (
	StreamParse = "ingest.parse"
	StreamChunk = "ingest.chunk"
	StreamEmbed = "ingest.embed"
	StreamIndex = "ingest.index"

	EventTypeStep = "ingest.step"
)

// StreamForStep maps a pipeline step to its queue. The upload step never
// hits a queue; it completes at submit time.
func StreamForStep(step models.ProcessingStep) (string, error) {
	switch step {
	case models.StepParse:
		return StreamParse, nil
	case models.StepChunk:
		return StreamChunk, nil
	case models.StepEmbed:
		return StreamEmbed, nil
	case models.StepIndex:
		return StreamIndex, nil
	}
	return "", fmt.Errorf("step %q has no queue", step)
}

// Job is the payload passed between step queues for one processing attempt.
type Job struct {
	DocumentID string                `json:"document_id"`
	Step       models.ProcessingStep `json:"step"`
	LeaseToken string                `json:"lease_token"`
}

// StoreAPI captures the store methods required by the orchestrator.
type StoreAPI interface {
	GetDocument(ctx context.Context, id string) (models.Document, error)
	SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errorMessage string) error
	SetDocumentReady(ctx context.Context, id string, chunkCount int) error
	AppendProcessingEvent(ctx context.Context, ev models.ProcessingEvent) (string, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	UpsertDocumentText(ctx context.Context, dt store.DocumentText) error
	GetDocumentText(ctx context.Context, documentID string) (store.DocumentText, error)
}

// IndexerAPI captures the embedding indexer operations.
type IndexerAPI interface {
	Embed(ctx context.Context, doc models.Document, chunks []models.Chunk) (int, error)
	Verify(ctx context.Context, documentID string, expected int) (int, error)
}

// Leaser enforces at most one processing attempt per document.
type Leaser interface {
	Acquire(ctx context.Context, documentID string) (string, error)
	Refresh(ctx context.Context, documentID, token string) error
	Release(ctx context.Context, documentID, token string) error
}

// Queue publishes step jobs onto the per-step streams.
type Queue interface {
	PublishRaw(ctx context.Context, stream, eventType string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Options tunes orchestrator behaviour.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MaxRetries   int
	Backoff      BackoffPolicy
}

// Orchestrator owns the step state machine for every document.
type Orchestrator struct {
	store     StoreAPI
	files     *FileStore
	parsers   *parser.Registry
	indexer   IndexerAPI
	leases    Leaser
	publisher Queue
	opts      Options
	logger    *log.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator.
func New(st StoreAPI, files *FileStore, parsers *parser.Registry, ix IndexerAPI, leases Leaser, publisher Queue, opts Options, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Orchestrator{
		store:     st,
		files:     files,
		parsers:   parsers,
		indexer:   ix,
		leases:    leases,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit starts processing a freshly uploaded document. The upload step
// completes inline (the file is already stored); the parse step is queued.
func (o *Orchestrator) Submit(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	token, err := o.leases.Acquire(ctx, doc.ID)
	if err != nil {
		return err
	}
	if err := o.store.SetDocumentStatus(ctx, doc.ID, models.DocumentStatusProcessing, ""); err != nil {
		o.releaseLease(doc.ID, token)
		return err
	}

	started := time.Now().UTC()
	size, err := o.files.Size(doc.FileRef)
	if err != nil {
		o.recordTerminal(ctx, doc.ID, models.StepUpload, started, 0, nil, err)
		return o.failDocument(ctx, doc.ID, token, models.StepUpload, err)
	}
	o.recordTerminal(ctx, doc.ID, models.StepUpload, started, 0, map[string]int64{"bytes_stored": size}, nil)

	return o.enqueueFirst(ctx, doc.ID, token)
}

// Reprocess re-runs the pipeline from parse onward. It is idempotent: the
// chunk step atomically replaces the previous chunk generation and the
// embed step replaces the vectors, so two generations never coexist.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	token, err := o.leases.Acquire(ctx, doc.ID)
	if err != nil {
		return err
	}
	if err := o.store.SetDocumentStatus(ctx, doc.ID, models.DocumentStatusProcessing, ""); err != nil {
		o.releaseLease(doc.ID, token)
		return err
	}
	return o.enqueueFirst(ctx, doc.ID, token)
}

// enqueueFirst queues the parse step that starts an attempt. If the queue
// is unreachable the attempt is over: the document is marked failed and
// the lease released, so a later submit is not stuck behind a dead lease.
func (o *Orchestrator) enqueueFirst(ctx context.Context, documentID, token string) error {
	err := o.enqueue(ctx, Job{DocumentID: documentID, Step: models.StepParse, LeaseToken: token})
	if err == nil {
		return nil
	}
	if ferr := o.failDocument(ctx, documentID, token, models.StepParse, err); ferr != nil {
		o.logger.Printf("warn: mark document %s failed: %v", documentID, ferr)
	}
	return err
}

func (o *Orchestrator) enqueue(ctx context.Context, job Job) error {
	stream, err := StreamForStep(job.Step)
	if err != nil {
		return err
	}
	if _, err := o.publisher.PublishRaw(ctx, stream, EventTypeStep, job); err != nil {
		return fmt.Errorf("enqueue %s for document %s: %w", job.Step, job.DocumentID, err)
	}
	return nil
}

// RunStep executes one queued step for a document, including its retry
// loop. It returns an error only for infrastructure problems where the
// message should not be acked; pipeline outcomes (ready/failed) are
// recorded in the store, never returned.
func (o *Orchestrator) RunStep(ctx context.Context, job Job) error {
	if err := o.leases.Refresh(ctx, job.DocumentID, job.LeaseToken); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			o.logger.Printf("skip %s for document %s: lease superseded", job.Step, job.DocumentID)
			return nil
		}
		return err
	}
	doc, err := o.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			o.logger.Printf("skip %s: document %s gone", job.Step, job.DocumentID)
			o.releaseLease(job.DocumentID, job.LeaseToken)
			return nil
		}
		return err
	}

	handler, err := o.handlerFor(job.Step)
	if err != nil {
		return err
	}
	o.recordStarted(ctx, doc.ID, job.Step)

	var lastErr error
	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		started := time.Now().UTC()
		metrics, runErr := handler(ctx, doc)
		if runErr == nil {
			o.recordTerminal(ctx, doc.ID, job.Step, started, attempt, metrics, nil)
			return o.advance(ctx, doc, job)
		}
		lastErr = runErr
		o.recordTerminal(ctx, doc.ID, job.Step, started, attempt, metrics, runErr)
		o.logger.Printf("step %s failed for document %s (attempt %d/%d): %v", job.Step, doc.ID, attempt+1, o.opts.MaxRetries+1, runErr)
		if attempt < o.opts.MaxRetries {
			telemetry.StepRetries.WithLabelValues(string(job.Step)).Inc()
			if err := o.sleep(ctx, o.opts.Backoff.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return o.failDocument(ctx, doc.ID, job.LeaseToken, job.Step, lastErr)
}

// advance queues the next step, or finalizes the document after index.
func (o *Orchestrator) advance(ctx context.Context, doc models.Document, job Job) error {
	next, ok := nextStep(job.Step)
	if !ok {
		chunks, err := o.store.ListChunks(ctx, doc.ID)
		if err != nil {
			return err
		}
		if err := o.store.SetDocumentReady(ctx, doc.ID, len(chunks)); err != nil {
			return err
		}
		telemetry.DocumentsProcessed.WithLabelValues(string(models.DocumentStatusReady)).Inc()
		o.releaseLease(doc.ID, job.LeaseToken)
		o.logger.Printf("document %s ready with %d chunks", doc.ID, len(chunks))
		return nil
	}
	return o.enqueue(ctx, Job{DocumentID: doc.ID, Step: next, LeaseToken: job.LeaseToken})
}

func (o *Orchestrator) failDocument(ctx context.Context, documentID, token string, step models.ProcessingStep, cause error) error {
	// The attempt is over either way, so the lease goes even when the
	// status write fails.
	defer o.releaseLease(documentID, token)
	msg := fmt.Sprintf("step %s: %v", step, cause)
	if err := o.store.SetDocumentStatus(ctx, documentID, models.DocumentStatusFailed, msg); err != nil {
		return err
	}
	telemetry.DocumentsProcessed.WithLabelValues(string(models.DocumentStatusFailed)).Inc()
	return nil
}

func (o *Orchestrator) releaseLease(documentID, token string) {
	if err := o.leases.Release(context.Background(), documentID, token); err != nil {
		o.logger.Printf("warn: release lease for document %s: %v", documentID, err)
	}
}

// recordStarted marks a step as in flight for the processing timeline.
func (o *Orchestrator) recordStarted(ctx context.Context, documentID string, step models.ProcessingStep) {
	ev := models.ProcessingEvent{
		DocumentID: documentID,
		StepName:   step,
		Status:     models.EventStatusStarted,
		StartedAt:  time.Now().UTC(),
	}
	if _, err := o.store.AppendProcessingEvent(ctx, ev); err != nil {
		o.logger.Printf("warn: record %s started event for document %s: %v", step, documentID, err)
	}
}

// recordTerminal appends one completed/failed event for a step attempt.
// Event writes must never abort the pipeline, so errors are only logged.
func (o *Orchestrator) recordTerminal(ctx context.Context, documentID string, step models.ProcessingStep, started time.Time, attempt int, metrics map[string]int64, cause error) {
	ended := time.Now().UTC()
	ev := models.ProcessingEvent{
		DocumentID: documentID,
		StepName:   step,
		Status:     models.EventStatusCompleted,
		StartedAt:  started,
		EndedAt:    &ended,
		DurationMS: ended.Sub(started).Milliseconds(),
		Metrics:    metrics,
		RetryCount: attempt,
	}
	status := "completed"
	if cause != nil {
		ev.Status = models.EventStatusFailed
		ev.ErrorMessage = cause.Error()
		status = "failed"
	}
	telemetry.StepDuration.WithLabelValues(string(step), status).Observe(ended.Sub(started).Seconds())
	if _, err := o.store.AppendProcessingEvent(ctx, ev); err != nil {
		o.logger.Printf("warn: record %s event for document %s: %v", step, documentID, err)
	}
}

func nextStep(step models.ProcessingStep) (models.ProcessingStep, bool) {
	for i, s := range models.ProcessingSteps {
		if s == step && i+1 < len(models.ProcessingSteps) {
			return models.ProcessingSteps[i+1], true
		}
	}
	return "", false
}

type stepHandler func(ctx context.Context, doc models.Document) (map[string]int64, error)

// handlerFor resolves the fixed, closed step table. Dynamic dispatch is
// deliberately absent: a step not in this table is a programming error.
func (o *Orchestrator) handlerFor(step models.ProcessingStep) (stepHandler, error) {
	switch step {
	case models.StepParse:
		return o.runParse, nil
	case models.StepChunk:
		return o.runChunk, nil
	case models.StepEmbed:
		return o.runEmbed, nil
	case models.StepIndex:
		return o.runIndex, nil
	}
	return nil, fmt.Errorf("no handler for step %q", step)
}

func (o *Orchestrator) runParse(ctx context.Context, doc models.Document) (map[string]int64, error) {
	p, err := o.parsers.Lookup(doc.MimeType)
	if err != nil {
		return nil, err
	}
	f, err := o.files.Open(doc.FileRef)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	res, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", doc.MimeType, err)
	}
	if err := o.store.UpsertDocumentText(ctx, store.DocumentText{
		DocumentID: doc.ID,
		Title:      res.Title,
		Text:       res.Text,
		Pages:      res.Pages,
		Headings:   res.Headings,
	}); err != nil {
		return nil, err
	}
	return map[string]int64{
		"chars_extracted": int64(len(res.Text)),
		"pages_extracted": int64(len(res.Pages)),
		"headings_found":  int64(len(res.Headings)),
	}, nil
}

func (o *Orchestrator) runChunk(ctx context.Context, doc models.Document) (map[string]int64, error) {
	dt, err := o.store.GetDocumentText(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.Split(dt.Text, chunker.Config{
		Size:     o.opts.ChunkSize,
		Overlap:  o.opts.ChunkOverlap,
		Pages:    dt.Pages,
		Headings: dt.Headings,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, err
	}
	return map[string]int64{"chunks_created": int64(len(chunks))}, nil
}

func (o *Orchestrator) runEmbed(ctx context.Context, doc models.Document) (map[string]int64, error) {
	chunks, err := o.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	generated, err := o.indexer.Embed(ctx, doc, chunks)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"vectors_generated": int64(generated)}, nil
}

func (o *Orchestrator) runIndex(ctx context.Context, doc models.Document) (map[string]int64, error) {
	chunks, err := o.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	indexed, err := o.indexer.Verify(ctx, doc.ID, len(chunks))
	if err != nil {
		return map[string]int64{"points_indexed": int64(indexed)}, err
	}
	return map[string]int64{"points_indexed": int64(indexed)}, nil
}
