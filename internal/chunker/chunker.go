// Package chunker splits extracted document text into offset-addressable
// segments. Splitting is deterministic: identical text and config always
// produce the identical chunk sequence, which is what makes re-processing
// idempotent and citation offsets stable across runs.
package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/veracify/veracify/internal/parser"
	"github.com/veracify/veracify/models"
)

// Config controls the character budget and overlap policy.
type Config struct {
	// Size is the target chunk length in bytes of the extracted text.
	Size int
	// Overlap is how many bytes adjacent chunks share. Must be < Size.
	Overlap int
	// Pages and Headings are optional boundaries supplied by the parser.
	Pages    []parser.Page
	Headings []parser.Heading
}

// Split cuts text into chunks. Offsets are half-open byte ranges into text;
// coverage is gapless, adjacent chunks overlap by cfg.Overlap, and chunk
// boundaries never land inside a UTF-8 sequence.
func Split(text string, cfg Config) ([]models.Chunk, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("chunk overlap must be in [0, size)")
	}
	if len(text) == 0 {
		return nil, nil
	}

	var chunks []models.Chunk
	start := 0
	index := 0
	for start < len(text) {
		end := start + cfg.Size
		if end >= len(text) {
			end = len(text)
		} else {
			end = snapToRuneStart(text, end)
			if end <= start {
				return nil, fmt.Errorf("chunk at offset %d could not advance", start)
			}
		}

		c := models.Chunk{
			ChunkIndex: index,
			CharStart:  start,
			CharEnd:    end,
			Text:       text[start:end],
		}
		if page := pageAt(cfg.Pages, start); page != nil {
			c.PageNumber = page
		}
		c.SectionHeader = headingAt(cfg.Headings, start)
		chunks = append(chunks, c)

		if end == len(text) {
			break
		}
		next := snapToRuneStart(text, end-cfg.Overlap)
		if next <= start {
			next = end
		}
		start = next
		index++
	}
	return chunks, nil
}

// snapToRuneStart moves pos back to the nearest UTF-8 sequence start.
func snapToRuneStart(s string, pos int) int {
	for pos > 0 && pos < len(s) && !utf8.RuneStart(s[pos]) {
		pos--
	}
	return pos
}

// pageAt returns the number of the page containing offset, if pages are known.
func pageAt(pages []parser.Page, offset int) *int {
	var current *int
	for i := range pages {
		if pages[i].CharStart <= offset {
			n := pages[i].Number
			current = &n
		} else {
			break
		}
	}
	return current
}

// headingAt returns the nearest heading at or before offset.
func headingAt(headings []parser.Heading, offset int) string {
	current := ""
	for i := range headings {
		if headings[i].CharStart <= offset {
			current = headings[i].Text
		} else {
			break
		}
	}
	return current
}
