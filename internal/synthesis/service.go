package synthesis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/veracify/veracify/internal/debugtrace"
	"github.com/veracify/veracify/internal/telemetry"
	"github.com/veracify/veracify/internal/verification"
	"github.com/veracify/veracify/models"
)

// Retriever is the query-time search capability the ask flow needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, kbIDs []string, k int) ([]models.RetrievedChunk, error)
}

// AskService runs the full question-to-answer flow: retrieve, assemble
// context, stream the synthesized answer, and register the finished
// citation list for verification.
type AskService struct {
	retriever Retriever
	synth     *Synthesizer
	recorder  *debugtrace.Recorder
	verifier  *verification.Controller
	topK      int
	logger    *log.Logger
}

// NewAskService wires the ask flow.
func NewAskService(retriever Retriever, synth *Synthesizer, recorder *debugtrace.Recorder, verifier *verification.Controller, topK int, logger *log.Logger) *AskService {
	if logger == nil {
		logger = log.New(log.Writer(), "[ASK] ", log.LstdFlags)
	}
	if topK <= 0 {
		topK = 8
	}
	return &AskService{retriever: retriever, synth: synth, recorder: recorder, verifier: verifier, topK: topK, logger: logger}
}

// Ask answers query against the given knowledge bases. A blank query or an
// empty retrieval yields a short no-sources answer without invoking the
// generator. The returned channel follows Synthesize's contract.
func (a *AskService) Ask(ctx context.Context, query string, kbIDs []string) (<-chan Event, error) {
	answerID := uuid.NewString()
	trace := a.recorder.Begin()

	began := time.Now()
	retrieved, err := a.retriever.Retrieve(ctx, query, kbIDs, a.topK)
	retrievalTook := time.Since(began)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	trace.ObserveRetrieval(retrieved, retrievalTook)
	telemetry.RetrievalDuration.Observe(retrievalTook.Seconds())

	if len(retrieved) == 0 {
		return a.emptyAnswer(answerID, trace), nil
	}

	assembleStart := time.Now()
	system, user, used := a.synth.BuildContext(query, retrieved)
	trace.ObserveAssembly(time.Since(assembleStart))

	inner, err := a.synth.Synthesize(ctx, answerID, system, user, used, trace.Info())
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		var citations []models.Citation
		completed := false
		for ev := range inner {
			citations = append(citations, ev.Citations...)
			if ev.Confidence != nil {
				completed = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if completed {
			a.verifier.Register(answerID, citations)
			telemetry.AnswerDuration.Observe(time.Since(began).Seconds())
			telemetry.CitationsPerAnswer.Observe(float64(len(citations)))
		}
	}()
	return out, nil
}

// emptyAnswer produces a minimal complete stream for questions nothing in
// the corpus can support. It cites nothing, so confidence reflects only the
// generator-independent floor.
func (a *AskService) emptyAnswer(answerID string, trace *debugtrace.Trace) <-chan Event {
	out := make(chan Event, 3)
	defer close(out)

	out <- Event{AnswerID: answerID}
	out <- Event{AnswerDelta: "No relevant sources were found in the selected knowledge bases, so this question cannot be answered from the indexed documents."}
	conf := confidence(0, 0, nil)
	out <- Event{Confidence: &conf, Debug: trace.Info()}
	a.verifier.Register(answerID, nil)
	return out
}
