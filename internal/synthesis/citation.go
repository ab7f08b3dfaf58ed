package synthesis

import (
	"regexp"
	"strings"

	"github.com/veracify/veracify/models"
)

var sentenceSplitter = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// buildCitation binds citation number n to a retrieved chunk, denormalizing
// page/section metadata and carving a bounded snippet out of the chunk text.
func buildCitation(number int, rc models.RetrievedChunk, query string, radius int) models.Citation {
	return models.Citation{
		Number:         number,
		DocumentID:     rc.Chunk.DocumentID,
		DocumentTitle:  rc.DocumentTitle,
		ChunkID:        rc.Chunk.ID,
		ChunkIndex:     rc.Chunk.ChunkIndex,
		PageNumber:     rc.Chunk.PageNumber,
		SectionHeader:  rc.Chunk.SectionHeader,
		RelevanceScore: rc.Score,
		Snippet:        snippetAround(rc.Chunk.Text, query, radius),
	}
}

// snippetAround excerpts up to radius characters either side of the
// chunk's most query-relevant sentence, clamped to chunk bounds.
func snippetAround(text, query string, radius int) string {
	if radius <= 0 {
		radius = 100
	}
	start, end := bestSentenceSpan(text, query)
	start -= radius
	if start < 0 {
		start = 0
	}
	end += radius
	if end > len(text) {
		end = len(text)
	}

	snippet := strings.Join(strings.Fields(text[start:end]), " ")
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}

// bestSentenceSpan locates the sentence sharing the most terms with the
// query, defaulting to the first sentence when nothing overlaps.
func bestSentenceSpan(text, query string) (int, int) {
	spans := sentenceSplitter.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return 0, len(text)
	}

	terms := map[string]struct{}{}
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, `.,;:!?"'()`)
		if len(t) > 2 {
			terms[t] = struct{}{}
		}
	}

	best := spans[0]
	bestScore := -1
	for _, span := range spans {
		score := 0
		for _, w := range strings.Fields(strings.ToLower(text[span[0]:span[1]])) {
			w = strings.Trim(w, `.,;:!?"'()`)
			if _, ok := terms[w]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = span
		}
	}
	return best[0], best[1]
}
