// Package worker runs the background consumers that drive document
// processing. Each pipeline step has its own Redis stream and its own pool
// of consumers, so embedding-heavy workloads scale independently of
// parsing-heavy ones.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veracify/veracify/internal/ingest"
	"github.com/veracify/veracify/internal/queue/streams"
	"github.com/veracify/veracify/models"
)

// StepRunner executes one queued pipeline step.
type StepRunner interface {
	RunStep(ctx context.Context, job ingest.Job) error
}

// source is the slice of streams.Consumer a consume loop needs.
type source interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Runner consumes the per-step ingest streams and hands jobs to the
// orchestrator.
type Runner struct {
	logger     *log.Logger
	client     *redis.Client
	runner     StepRunner
	group      string
	perStep    int
	tracer     trace.Tracer
	jobCounter otelmetric.Int64Counter

	// Entries left pending by a dead or failed consumer are reclaimed
	// once they have been idle for reclaimMinIdle; each consume loop
	// runs a claim pass at most once per reclaimEvery.
	reclaimMinIdle time.Duration
	reclaimEvery   time.Duration
}

// NewRunner constructs a Runner with perStep consumers per pipeline step.
func NewRunner(logger *log.Logger, client *redis.Client, runner StepRunner, perStep int) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if perStep <= 0 {
		perStep = 1
	}
	r := &Runner{
		logger:         logger,
		client:         client,
		runner:         runner,
		group:          "ingest-workers",
		perStep:        perStep,
		tracer:         otel.Tracer("worker"),
		reclaimMinIdle: time.Minute,
		reclaimEvery:   30 * time.Second,
	}
	meter := otel.Meter("worker")
	var err error
	r.jobCounter, err = meter.Int64Counter("worker_ingest_jobs_processed")
	if err != nil {
		logger.Printf("warn: create job counter failed: %v", err)
	}
	return r
}

// Start blocks, consuming all step streams until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	queuedSteps := []models.ProcessingStep{models.StepParse, models.StepChunk, models.StepEmbed, models.StepIndex}
	for _, step := range queuedSteps {
		stream, err := ingest.StreamForStep(step)
		if err != nil {
			return err
		}
		if err := streams.EnsureGroup(ctx, r.client, stream, r.group); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, step := range queuedSteps {
		stream, _ := ingest.StreamForStep(step)
		for i := 0; i < r.perStep; i++ {
			wg.Add(1)
			name := fmt.Sprintf("%s-%d", step, i)
			consumer := streams.NewConsumer(r.client, r.group, name)
			go func(step models.ProcessingStep, stream string, consumer *streams.Consumer) {
				defer wg.Done()
				r.consumeLoop(ctx, step, stream, consumer)
			}(step, stream, consumer)
		}
	}
	r.logger.Printf("worker started: %d consumers per step", r.perStep)
	wg.Wait()
	r.logger.Printf("worker stopped: %v", ctx.Err())
	return nil
}

func (r *Runner) consumeLoop(ctx context.Context, step models.ProcessingStep, stream string, src source) {
	claimCursor := "0-0"
	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastReclaim) >= r.reclaimEvery {
			claimCursor = r.reclaim(ctx, step, stream, src, claimCursor)
			lastReclaim = time.Now()
		}

		msgs, err := src.Read(ctx, stream, streams.WithBlock(5*time.Second), streams.WithCount(8))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Printf("error reading %s: %v", stream, err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := r.handle(ctx, step, msg); err != nil {
				r.logger.Printf("error handling %s message %s: %v", stream, msg.ID, err)
				// Leave the message unacked; a reclaim pass redelivers
				// it once it has sat idle past reclaimMinIdle.
				continue
			}
			r.ack(ctx, src, stream, msg.ID)
		}
	}
}

// reclaim claims and re-runs entries a consumer read but never acked —
// jobs stranded by a crash or a failed handler. Returns the cursor for
// the next pass.
func (r *Runner) reclaim(ctx context.Context, step models.ProcessingStep, stream string, src source, cursor string) string {
	msgs, next, err := src.AutoClaim(ctx, stream, r.reclaimMinIdle, cursor, 16)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("error reclaiming %s: %v", stream, err)
		}
		return cursor
	}
	for _, msg := range msgs {
		if err := r.handle(ctx, step, msg); err != nil {
			r.logger.Printf("error handling reclaimed %s message %s: %v", stream, msg.ID, err)
			continue
		}
		r.ack(ctx, src, stream, msg.ID)
	}
	if next == "" {
		next = "0-0"
	}
	return next
}

func (r *Runner) ack(ctx context.Context, src source, stream, id string) {
	if err := src.Ack(ctx, stream, id); err != nil {
		r.logger.Printf("warn: failed to ack message %s: %v", id, err)
	}
}

func (r *Runner) handle(ctx context.Context, step models.ProcessingStep, msg streams.Message) error {
	ctx, span := r.tracer.Start(ctx, "worker.run_step")
	defer span.End()

	var job ingest.Job
	if err := json.Unmarshal(msg.Envelope.Data, &job); err != nil {
		return fmt.Errorf("unmarshal job payload: %w", err)
	}
	if job.Step != step {
		return fmt.Errorf("job step %q on stream for %q", job.Step, step)
	}
	span.SetAttributes(
		attribute.String("document_id", job.DocumentID),
		attribute.String("step", string(job.Step)),
	)

	if err := r.runner.RunStep(ctx, job); err != nil {
		span.RecordError(err)
		return err
	}
	if r.jobCounter != nil {
		r.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("step", string(step))))
	}
	return nil
}
