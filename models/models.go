package models

import (
	"errors"
	"time"
)

// ErrDocumentNotFound is returned when a document is not found
var ErrDocumentNotFound = errors.New("document not found")

// ErrChunkNotFound is returned when a chunk is not found
var ErrChunkNotFound = errors.New("chunk not found")

// DocumentStatus tracks where a document sits in the ingestion lifecycle.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is the unit of ingestion. It is created on upload and mutated
// only by the ingestion orchestrator.
type Document struct {
	ID              string         `json:"id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	Title           string         `json:"title"`
	MimeType        string         `json:"mime_type"`
	FileRef         string         `json:"file_ref"`
	Status          DocumentStatus `json:"status"`
	ChunkCount      int            `json:"chunk_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Chunk is a contiguous, offset-addressable excerpt of a document's
// extracted plain text. CharStart/CharEnd are a half-open range into that
// text and chunks are immutable once created.
type Chunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	ChunkIndex    int       `json:"chunk_index"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	PageNumber    *int      `json:"page_number,omitempty"`
	SectionHeader string    `json:"section_header,omitempty"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChunkRef identifies a chunk without carrying its text.
type ChunkRef struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ProcessingStep names one stage of the ingestion pipeline.
type ProcessingStep string

const (
	StepUpload ProcessingStep = "upload"
	StepParse  ProcessingStep = "parse"
	StepChunk  ProcessingStep = "chunk"
	StepEmbed  ProcessingStep = "embed"
	StepIndex  ProcessingStep = "index"
)

// ProcessingSteps is the fixed ingestion order. No transition skips a step.
var ProcessingSteps = []ProcessingStep{StepUpload, StepParse, StepChunk, StepEmbed, StepIndex}

// EventStatus is the status of a single step attempt.
type EventStatus string

const (
	EventStatusStarted   EventStatus = "started"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// ProcessingEvent is an append-only audit record of one ingestion step
// attempt for one document. Never mutated after creation.
type ProcessingEvent struct {
	ID           string             `json:"id"`
	DocumentID   string             `json:"document_id"`
	StepName     ProcessingStep     `json:"step_name"`
	Status       EventStatus        `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	DurationMS   int64              `json:"duration_ms"`
	Metrics      map[string]int64   `json:"metrics,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	RetryCount   int                `json:"retry_count"`
}

// Citation binds a numbered marker in a synthesized answer to a specific
// chunk. Numbers are 1-based and assigned in order of first appearance in
// the answer text. Scoped to a single answer.
type Citation struct {
	Number         int     `json:"number"`
	DocumentID     string  `json:"document_id"`
	DocumentTitle  string  `json:"document_title,omitempty"`
	ChunkID        string  `json:"chunk_id"`
	ChunkIndex     int     `json:"chunk_index"`
	PageNumber     *int    `json:"page_number,omitempty"`
	SectionHeader  string  `json:"section_header,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	Snippet        string  `json:"snippet"`
}

// RetrievedChunk is a chunk plus its similarity score, as returned by the
// retrieval engine in descending score order.
type RetrievedChunk struct {
	Chunk           Chunk     `json:"chunk"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentTitle   string    `json:"document_title,omitempty"`
	Score           float64   `json:"score"`
	DocumentTime    time.Time `json:"document_time"`
}

// QueryDebugInfo is an immutable per-answer record of retrieval behaviour,
// consumed by observability collaborators. It never influences the answer.
type QueryDebugInfo struct {
	KBParams          map[string]string `json:"kb_params"`
	ChunksRetrieved   []RetrievedChunk  `json:"chunks_retrieved"`
	RetrievalMS       int64             `json:"retrieval_ms"`
	ContextAssemblyMS int64             `json:"context_assembly_ms"`
}
