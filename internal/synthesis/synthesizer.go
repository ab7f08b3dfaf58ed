// Package synthesis streams a generated answer while correlating its inline
// [n] citation markers against the retrieved chunks that were handed to the
// generator. Citations are numbered by first appearance in the output text,
// never by retrieval rank; markers that point outside the supplied context
// are dropped rather than surfaced.
package synthesis

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/veracify/veracify/models"
	"github.com/veracify/veracify/provider"
)

// Event is one element of the answer stream delivered to the caller.
type Event struct {
	AnswerID    string                 `json:"answer_id,omitempty"`
	AnswerDelta string                 `json:"answer_delta,omitempty"`
	Citations   []models.Citation      `json:"citations,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Debug       *models.QueryDebugInfo `json:"debug_info,omitempty"`
	Incomplete  bool                   `json:"incomplete,omitempty"`
	ErrorReason string                 `json:"error,omitempty"`
}

// Generator is the text-generation capability consumed here.
type Generator interface {
	StreamCompletion(ctx context.Context, systemPrompt, userPrompt string) (<-chan provider.StreamEvent, error)
}

// Options tunes synthesis behaviour.
type Options struct {
	CitationStyle       string
	Language            string
	UncertaintyHandling string
	SnippetRadius       int
	MaxContextChunks    int
}

// Synthesizer drives one streamed answer at a time; it holds no per-answer
// state between calls.
type Synthesizer struct {
	generator Generator
	opts      Options
	logger    *log.Logger
}

// New builds a Synthesizer.
func New(generator Generator, opts Options, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SYNTH] ", log.LstdFlags)
	}
	if opts.SnippetRadius <= 0 {
		opts.SnippetRadius = 100
	}
	if opts.MaxContextChunks <= 0 {
		opts.MaxContextChunks = 12
	}
	return &Synthesizer{generator: generator, opts: opts, logger: logger}
}

// BuildContext assembles the prompts handed to the generator. The returned
// slice is the exact ordered context the marker positions refer to: marker
// [n] binds to used[n-1].
func (s *Synthesizer) BuildContext(query string, retrieved []models.RetrievedChunk) (system, user string, used []models.RetrievedChunk) {
	used = retrieved
	if len(used) > s.opts.MaxContextChunks {
		used = used[:s.opts.MaxContextChunks]
	}

	var b strings.Builder
	for i, rc := range used {
		fmt.Fprintf(&b, "[%d]", i+1)
		if rc.DocumentTitle != "" {
			fmt.Fprintf(&b, " %s", rc.DocumentTitle)
		}
		if rc.Chunk.PageNumber != nil {
			fmt.Fprintf(&b, " (p.%d)", *rc.Chunk.PageNumber)
		}
		if rc.Chunk.SectionHeader != "" {
			fmt.Fprintf(&b, " — %s", rc.Chunk.SectionHeader)
		}
		b.WriteString(":\n")
		b.WriteString(rc.Chunk.Text)
		b.WriteString("\n\n")
	}

	system = fmt.Sprintf(`You are a documentation assistant that answers questions strictly from the provided sources.

RULES:
1. Answer in %s.
2. Every factual claim must carry an inline citation marker like [1] referring to the numbered sources below.
3. Only cite source numbers that exist in the context.
4. If the sources do not answer the question, say so plainly (%s).
5. Do not invent sources or content.`, s.opts.Language, s.opts.UncertaintyHandling)

	user = fmt.Sprintf("SOURCES:\n\n%sQUESTION: %s", b.String(), query)
	return system, user, used
}

// Synthesize streams the answer for an already-assembled context. debug, if
// non-nil, is attached to the final event. The returned channel closes when
// the answer completes, fails, or ctx is cancelled; on cancellation no
// final confidence is emitted and citations already sent remain valid.
func (s *Synthesizer) Synthesize(ctx context.Context, answerID, system, user string, used []models.RetrievedChunk, debug *models.QueryDebugInfo) (<-chan Event, error) {
	stream, err := s.generator.StreamCompletion(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		var (
			scanner     markerScanner
			accepted    = map[int]int{} // marker value -> citation number
			citations   []models.Citation
			uncertainty *float64
		)
		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Event{AnswerID: answerID}) {
			return
		}

		query := user
		if i := strings.LastIndex(user, "QUESTION: "); i >= 0 {
			query = user[i+len("QUESTION: "):]
		}

		for ev := range stream {
			if ev.Err != nil {
				// Partial answers stand: citations already emitted are kept
				// and no confidence is fabricated for a truncated answer.
				s.logger.Printf("generation failed mid-stream: %v", ev.Err)
				emit(Event{Incomplete: true, ErrorReason: ev.Err.Error(), Debug: debug})
				return
			}
			if ev.Uncertainty != nil {
				uncertainty = ev.Uncertainty
			}

			var fresh []models.Citation
			for _, marker := range scanner.feed(ev.Delta) {
				if _, ok := accepted[marker]; ok {
					continue
				}
				if marker < 1 || marker > len(used) {
					// The generator cited a source it was never given.
					continue
				}
				number := len(citations) + 1
				c := buildCitation(number, used[marker-1], query, s.opts.SnippetRadius)
				accepted[marker] = number
				citations = append(citations, c)
				fresh = append(fresh, c)
			}
			if !emit(Event{AnswerDelta: ev.Delta, Citations: fresh}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		mean := 0.0
		for _, c := range citations {
			mean += c.RelevanceScore
		}
		if len(citations) > 0 {
			mean /= float64(len(citations))
		}
		conf := confidence(len(citations), mean, uncertainty)
		emit(Event{Confidence: &conf, Debug: debug})
	}()
	return events, nil
}
