// Package parser turns raw uploaded files into extracted plain text with
// optional page and heading boundaries. Parsers are registered per MIME
// type; formats without a registered parser are rejected at the parse step.
package parser

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	readability "github.com/go-shiori/go-readability"
)

// Heading marks a section boundary at a character offset into the extracted
// text. Offsets feed the chunker's section_header metadata.
type Heading struct {
	Text      string
	CharStart int
}

// Page marks where a page begins in the extracted text.
type Page struct {
	Number    int
	CharStart int
}

// Result is the output of parsing one file.
type Result struct {
	Text     string
	Title    string
	Pages    []Page
	Headings []Heading
}

// Parser extracts plain text from one file format.
type Parser interface {
	Parse(r io.Reader) (Result, error)
}

// Registry maps MIME types to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in parsers installed.
func NewRegistry() *Registry {
	reg := &Registry{parsers: map[string]Parser{}}
	reg.Register("text/plain", PlainTextParser{})
	reg.Register("text/markdown", MarkdownParser{})
	reg.Register("text/html", HTMLParser{})
	return reg
}

// Register installs a parser for a MIME type, replacing any existing one.
func (r *Registry) Register(mimeType string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[normalizeMime(mimeType)] = p
}

// Lookup returns the parser for a MIME type.
func (r *Registry) Lookup(mimeType string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[normalizeMime(mimeType)]
	if !ok {
		return nil, fmt.Errorf("no parser registered for mime type %q", mimeType)
	}
	return p, nil
}

func normalizeMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// PlainTextParser passes text through, splitting pages on form feeds when
// the source is pre-paginated.
type PlainTextParser struct{}

func (PlainTextParser) Parse(r io.Reader) (Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	text := string(raw)
	res := Result{}
	if !strings.Contains(text, "\f") {
		res.Text = text
		return res, nil
	}
	// Form feeds delimit pages; they are replaced with newlines so offsets
	// stay addressable into the final text.
	var b strings.Builder
	page := 1
	res.Pages = append(res.Pages, Page{Number: page, CharStart: 0})
	for _, ch := range text {
		if ch == '\f' {
			b.WriteByte('\n')
			page++
			res.Pages = append(res.Pages, Page{Number: page, CharStart: b.Len()})
			continue
		}
		b.WriteRune(ch)
	}
	res.Text = b.String()
	return res, nil
}

// MarkdownParser keeps markdown source as-is (it is already plain text) and
// records ATX heading lines as section boundaries.
type MarkdownParser struct{}

func (MarkdownParser) Parse(r io.Reader) (Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	text := string(raw)
	res := Result{Text: text}

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			header := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if header != "" {
				res.Headings = append(res.Headings, Heading{Text: header, CharStart: offset})
				if res.Title == "" {
					res.Title = header
				}
			}
		}
		offset += len(line)
	}
	return res, nil
}

// HTMLParser extracts readable article text via go-shiori/go-readability.
type HTMLParser struct{}

func (HTMLParser) Parse(r io.Reader) (Result, error) {
	base, _ := url.Parse("http://localhost/")
	article, err := readability.FromReader(r, base)
	if err != nil {
		return Result{}, fmt.Errorf("readability extract: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return Result{}, fmt.Errorf("no readable text extracted")
	}
	return Result{
		Text:  text,
		Title: strings.TrimSpace(article.Title),
	}, nil
}
